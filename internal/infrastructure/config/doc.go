// Package config handles loading and validating Hub Mirror configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The sync section defaults encode the replication contract the rest of the
// daemon relies on (backoff steps, poll cadences, write debounce), so tests
// and deployments that override them should understand the coupling between
// push channel state and poll cadence.
//
// Security Considerations:
//   - Sensitive values (hub token, API token, MQTT password) should be set
//     via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Hub.BaseURL)
package config
