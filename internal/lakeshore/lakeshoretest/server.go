// Package lakeshoretest provides an in-process fake Model 336 for tests.
//
// The fake listens on a loopback TCP port, speaks the CR LF terminated
// ASCII protocol and keeps enough state (input names and curves, heater
// setup, setpoints, ranges, readings, user curves) for programming
// operations to be read back. Tests steer it through setters, override
// individual replies, or make it drop its links to simulate an outage.
package lakeshoretest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// DefaultIdentity is the *IDN? reply of a fresh Server.
const DefaultIdentity = "LSCI,MODEL336,LSA2X7Q,2.9"

const (
	numInputs   = 4
	numHeaters  = 2
	curveSlots  = 59
	curvePoints = 200
)

type userCurve struct {
	name   string
	serial string
	format int
	limit  float64
	coeff  int
	points [curvePoints][2]float64
}

// Server is a fake Model 336. All methods are safe for concurrent use.
type Server struct {
	t  testing.TB
	ln net.Listener

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	received  []string
	overrides map[string]string
	silent    map[string]bool
	skew      float64
	closed    bool

	identity   string
	names      [numInputs]string
	inCurves   [numInputs]int
	tlimits    [numInputs]float64
	status     [numInputs]int
	resistance [numInputs]float64
	kelvin     [numInputs]float64
	htrset     [numHeaters]string
	setpoint   [numHeaters]float64
	ranges     [numHeaters]int
	outmode    [numHeaters]string
	output     [numHeaters]float64
	locked     bool
	curves     [curveSlots + 1]userCurve

	wg sync.WaitGroup
}

// NewServer starts a fake controller on 127.0.0.1 and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("lakeshoretest: listen: %v", err)
	}

	s := &Server{
		t:         t,
		ln:        ln,
		conns:     make(map[net.Conn]struct{}),
		overrides: make(map[string]string),
		silent:    make(map[string]bool),
		identity:  DefaultIdentity,
	}
	for i := range s.names {
		s.names[i] = "Input " + string(rune('A'+i))
		s.resistance[i] = 1000
		s.kelvin[i] = 295
	}
	for i := range s.outmode {
		s.outmode[i] = fmt.Sprintf("1,%c,0", 'A'+i)
	}
	for id := range s.curves {
		s.curves[id] = userCurve{name: "User Curve", format: 3, coeff: 1}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops listening and closes every link. Later dials are refused.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close() //nolint:errcheck // test helper
	for c := range s.conns {
		c.Close() //nolint:errcheck // test helper
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DropConnections closes every open link but keeps accepting new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close() //nolint:errcheck // test helper
	}
}

// SetIdentity replaces the *IDN? reply.
func (s *Server) SetIdentity(idn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = idn
}

// SetReading sets what RDGST?, SRDG? and KRDG? return for channel ch.
func (s *Server) SetReading(ch string, status int, resistance, kelvin float64) {
	i := s.input(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[i] = status
	s.resistance[i] = resistance
	s.kelvin[i] = kelvin
}

// SetHeaterOutput sets what HTR? returns for heater id, in percent.
func (s *Server) SetHeaterOutput(id int, percent float64) {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output[h] = percent
}

// SetSetpointSkew adds offset to every SETP? reply, like a controller that
// rounds or clamps the stored value.
func (s *Server) SetSetpointSkew(offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = offset
}

// Respond makes the query msg (as sent, without terminator) return reply
// instead of the simulated value. An empty reply removes the override.
func (s *Server) Respond(msg, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply == "" {
		delete(s.overrides, msg)
		return
	}
	s.overrides[msg] = reply
}

// Ignore makes the query msg go unanswered, so the client times out.
func (s *Server) Ignore(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[msg] = true
}

// Received returns every message received so far, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// ResetReceived forgets the received messages.
func (s *Server) ResetReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
}

// Count returns how many received messages start with prefix.
func (s *Server) Count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

// InputName returns the stored label of channel ch.
func (s *Server) InputName(ch string) string {
	i := s.input(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[i]
}

// InputCurve returns the curve assigned to channel ch.
func (s *Server) InputCurve(ch string) int {
	i := s.input(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCurves[i]
}

// TempLimit returns the temperature limit of channel ch.
func (s *Server) TempLimit(ch string) float64 {
	i := s.input(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlimits[i]
}

// HeaterSetup returns the last HTRSET arguments for heater id.
func (s *Server) HeaterSetup(id int) string {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.htrset[h]
}

// Setpoint returns the stored setpoint of heater id.
func (s *Server) Setpoint(id int) float64 {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoint[h]
}

// SetSetpoint stores a setpoint as if entered on the front panel.
func (s *Server) SetSetpoint(id int, kelvin float64) {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setpoint[h] = kelvin
}

// Range returns the stored range of heater id.
func (s *Server) Range(id int) int {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges[h]
}

// SetRange stores a range as if entered on the front panel.
func (s *Server) SetRange(id, rng int) {
	h := s.heater(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[h] = rng
}

// Locked reports the front-panel lock state.
func (s *Server) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// StoreCurve fills user curve id as if it had been uploaded.
func (s *Server) StoreCurve(id int, name, serial string, format int, limit float64, coeff int, points [][2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := userCurve{name: name, serial: serial, format: format, limit: limit, coeff: coeff}
	copy(c.points[:], points)
	s.curves[id] = c
}

// CurvePoints returns the non-empty points of curve id.
func (s *Server) CurvePoints(id int) [][2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][2]float64
	for _, p := range s.curves[id].points {
		if p == [2]float64{} {
			break
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) input(ch string) int {
	if len(ch) != 1 || ch[0] < 'A' || ch[0] > 'D' {
		s.t.Fatalf("lakeshoretest: invalid channel %q", ch)
	}
	return int(ch[0] - 'A')
}

func (s *Server) heater(id int) int {
	if id < 1 || id > numHeaters {
		s.t.Fatalf("lakeshoretest: invalid heater %d", id)
	}
	return id - 1
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close() //nolint:errcheck // test helper
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close() //nolint:errcheck // test helper
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		msg := strings.TrimRight(line, "\r\n")
		if msg == "" {
			continue
		}

		reply, ok := s.handle(msg)
		if !ok {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
	}
}

// handle applies msg and returns the reply, if the message has one.
func (s *Server) handle(msg string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, msg)

	if s.silent[msg] {
		return "", false
	}
	if reply, ok := s.overrides[msg]; ok {
		return reply, true
	}

	name, rest, _ := strings.Cut(msg, " ")
	args := strings.Split(rest, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}

	switch strings.ToUpper(name) {
	case "*IDN?":
		return s.identity, true

	case "INNAME":
		if i, ok := channelArg(args, 2); ok {
			name := args[1]
			if len(name) > 15 {
				name = name[:15]
			}
			s.names[i] = name
		}
	case "INNAME?":
		if i, ok := channelArg(args, 1); ok {
			return s.names[i], true
		}
	case "INCRV":
		if i, ok := channelArg(args, 2); ok {
			if v, err := strconv.Atoi(args[1]); err == nil {
				s.inCurves[i] = v
			}
		}
	case "INCRV?":
		if i, ok := channelArg(args, 1); ok {
			return fmt.Sprintf("%02d", s.inCurves[i]), true
		}
	case "TLIMIT":
		if i, ok := channelArg(args, 2); ok {
			if v, err := strconv.ParseFloat(args[1], 64); err == nil {
				s.tlimits[i] = v
			}
		}
	case "TLIMIT?":
		if i, ok := channelArg(args, 1); ok {
			return fmt.Sprintf("%+.4f", s.tlimits[i]), true
		}

	case "RDGST?":
		if i, ok := channelArg(args, 1); ok {
			return fmt.Sprintf("%03d", s.status[i]), true
		}
	case "SRDG?":
		if i, ok := channelArg(args, 1); ok {
			return fmt.Sprintf("%+.4f", s.resistance[i]), true
		}
	case "KRDG?":
		if i, ok := channelArg(args, 1); ok {
			return fmt.Sprintf("%+.4f", s.kelvin[i]), true
		}

	case "HTRSET":
		if h, ok := heaterArg(args, 5); ok {
			s.htrset[h] = strings.Join(args[1:], ",")
		}
	case "HTRSET?":
		if h, ok := heaterArg(args, 1); ok {
			return s.htrset[h], true
		}
	case "HTR?":
		if h, ok := heaterArg(args, 1); ok {
			return fmt.Sprintf("%+.2f", s.output[h]), true
		}
	case "SETP":
		if h, ok := heaterArg(args, 2); ok {
			if v, err := strconv.ParseFloat(args[1], 64); err == nil {
				s.setpoint[h] = v
			}
		}
	case "SETP?":
		if h, ok := heaterArg(args, 1); ok {
			return fmt.Sprintf("%+.3f", s.setpoint[h]+s.skew), true
		}
	case "RANGE":
		if h, ok := heaterArg(args, 2); ok {
			if v, err := strconv.Atoi(args[1]); err == nil && v >= 0 && v <= 3 {
				s.ranges[h] = v
			}
		}
	case "RANGE?":
		if h, ok := heaterArg(args, 1); ok {
			return strconv.Itoa(s.ranges[h]), true
		}
	case "OUTMODE?":
		if h, ok := heaterArg(args, 1); ok {
			return s.outmode[h], true
		}

	case "LOCK":
		if len(args) == 2 {
			s.locked = args[0] == "1"
		}
	case "LOCK?":
		state := 0
		if s.locked {
			state = 1
		}
		return fmt.Sprintf("%d,123", state), true

	case "CRVDEL":
		if id, ok := curveArg(args, 1); ok {
			s.curves[id] = userCurve{name: "User Curve", format: 3, coeff: 1}
		}
	case "CRVHDR":
		if id, ok := curveArg(args, 6); ok {
			c := &s.curves[id]
			c.name = truncate(args[1], 15)
			c.serial = truncate(args[2], 10)
			c.format, _ = strconv.Atoi(args[3])
			c.limit, _ = strconv.ParseFloat(args[4], 64)
			c.coeff, _ = strconv.Atoi(args[5])
		}
	case "CRVHDR?":
		if id, ok := curveArg(args, 1); ok {
			c := s.curves[id]
			return fmt.Sprintf("%-15s,%-10s,%d,%+.3f,%d", c.name, c.serial, c.format, c.limit, c.coeff), true
		}
	case "CRVPT":
		if id, ok := curveArg(args, 4); ok {
			i, err := strconv.Atoi(args[1])
			if err != nil || i < 1 || i > curvePoints {
				break
			}
			u, _ := strconv.ParseFloat(args[2], 64)
			k, _ := strconv.ParseFloat(args[3], 64)
			s.curves[id].points[i-1] = [2]float64{u, k}
		}
	case "CRVPT?":
		if id, ok := curveArg(args, 2); ok {
			i, err := strconv.Atoi(args[1])
			if err != nil || i < 1 || i > curvePoints {
				break
			}
			p := s.curves[id].points[i-1]
			return fmt.Sprintf("%+.5f,%+.3f", p[0], p[1]), true
		}
	}

	return "", false
}

func channelArg(args []string, n int) (int, bool) {
	if len(args) != n || len(args[0]) != 1 {
		return 0, false
	}
	ch := strings.ToUpper(args[0])[0]
	if ch < 'A' || ch > 'D' {
		return 0, false
	}
	return int(ch - 'A'), true
}

func heaterArg(args []string, n int) (int, bool) {
	if len(args) != n {
		return 0, false
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 1 || id > numHeaters {
		return 0, false
	}
	return id - 1, true
}

func curveArg(args []string, n int) (int, bool) {
	if len(args) != n {
		return 0, false
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 1 || id > curveSlots {
		return 0, false
	}
	return id, true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
