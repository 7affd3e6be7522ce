// Package config handles loading and validating lakeshore336 daemon configuration.
//
// This package manages:
//   - Loading the daemon configuration from YAML files
//   - Loading standalone database configuration files (YAML or INI)
//   - Overriding with environment variables
//   - Validation of required fields
//
// The instrument configuration (inputs, heaters, curves) is not handled here;
// it belongs to the lakeshore package because it is reloaded at runtime.
//
// Security Considerations:
//   - Database and broker passwords should be set via environment variables
//     (LAKESHORE_DATABASE_PASSWORD, LAKESHORE_MQTT_PASSWORD) or a .env file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/lakeshore336d.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Daemon.Port)
package config
