package main

import (
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/complaints-queue/internal/config"
)

const redacted = "REDACTED"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(redactConfig(*cfg))
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// redactConfig returns a copy of c safe to print.
func redactConfig(c config.Config) config.Config {
	if c.Feed.Key != "" {
		c.Feed.Key = redacted
	}
	c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	c.Monitoring.WebhookURL = redactURL(c.Monitoring.WebhookURL)
	return c
}

// redactURL masks the password of a URL-form DSN and any query string. Other
// values are returned unchanged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	if u.RawQuery != "" {
		u.RawQuery = redacted
	}
	return u.String()
}
