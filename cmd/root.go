// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read settings from CLI
// flags, environment variables prefixed with OBJECTSTACK, or config.yaml
// (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("OBJECTSTACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/objectstack", "$HOME/.objectstack", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "objectstack",
		Short: "A multi-tenant object store with per-object ACLs, reserved user/session/installation classes, and an advisory schema",
		Long: `A multi-tenant object store with per-object ACLs, reserved user/session/installation
classes, and an advisory schema.

Objects are stored in REST format and written through a staged pipeline that
enforces ACL scoping, schema validation, and the reserved-class rules.`,
	}
}
