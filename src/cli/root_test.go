package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandParsesConfigFlag(t *testing.T) {
	root := Init("tupstore")

	var seen string
	root.AddCommand(&cobra.Command{
		Use: "show-config",
		RunE: func(*cobra.Command, []string) error {
			seen = root.Options.ConfigPath
			return nil
		},
	})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"show-config", "-c", "/etc/tupstore.env"})
	require.NoError(t, root.Execute(context.Background()))
	assert.Equal(t, "/etc/tupstore.env", seen)
}
