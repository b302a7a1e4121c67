package cli

func (c *RootCommand) initFlags() {
	c.PersistentFlags().StringVarP(
		&c.Options.ConfigPath,
		"config",
		"c",
		"",
		"Path to a .env file with TUPSTORE_* settings; ./.env is read when present",
	)
}
