package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestFlagsAcceptedAroundSubcommand(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"agent", "serve", "--listen", ":8250"}, ":8250"},
		{[]string{"agent", "--listen", ":8251", "serve"}, ":8251"},
		{[]string{"agent", "--listen", ":8252", "identity", "--listen", ":8253"}, ":8253"},
		{[]string{"agent", "--listen", ":8254"}, ":8254"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			t.Setenv("AGENT_HTTP_LISTEN_ADDR", "")

			var got string
			capture := func(c *cli.Context) error {
				if err := applyFlags(c); err != nil {
					return err
				}
				got = os.Getenv("AGENT_HTTP_LISTEN_ADDR")
				return nil
			}
			app := newApp()
			app.Writer, app.ErrWriter = io.Discard, io.Discard
			app.Action = capture
			for _, cmd := range app.Commands {
				cmd.Action = capture
			}

			require.NoError(t, app.Run(tc.args))
			assert.Equal(t, tc.want, got)
		})
	}
}
