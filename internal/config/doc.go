// Package config loads the vibeguardd YAML configuration. The file path
// comes from VIBEGUARD_CONFIG; secrets may be supplied through environment
// variables instead of the file. Relative file paths inside the document
// resolve against the directory of the config file.
package config
