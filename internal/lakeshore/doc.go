// Package lakeshore drives a Lakeshore Model 336 temperature controller
// over its Ethernet interface.
//
// This package manages:
//   - The instrument configuration file (YAML or the legacy INI layout)
//   - One TCP link per controller, paced and serialised by a Session
//   - Programming inputs (label, curve, temperature limit) and heaters
//     (resistance, maximum current, setpoint, range)
//   - Reading sensor status, resistance, temperature and heater output
//   - Reading and uploading user calibration curves, and curve files
//
// The wire protocol is ASCII, one message per line terminated by CR LF.
// Queries end in "?" and get exactly one reply line; commands get none.
// There is no correlation between a query and its reply other than order,
// so a Session never lets two exchanges overlap.
//
// Usage:
//
//	sess, err := lakeshore.Open("/etc/lakeshore336/instrument.yaml", lakeshore.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := sess.Connect(ctx); err != nil {
//	    return err
//	}
//	defer sess.Disconnect()
//
//	if err := sess.ApplyConfig(ctx); err != nil {
//	    return err
//	}
//	readout, err := sess.RetrieveSample(ctx)
package lakeshore
