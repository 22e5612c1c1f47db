package cmd

import "testing"

func TestNewCLIDeclaresExpectedFlags(t *testing.T) {
	root := NewCLI()

	required := []string{"ctx_dir", "tokenizer", "prompt", "max_gen", "backend_so", "system_so", "log_level"}
	for _, name := range required {
		if root.Flags().Lookup(name) == nil {
			t.Errorf("missing flag %q", name)
		}
	}

	if got, _ := root.Flags().GetInt("max_gen"); got != 100 {
		t.Errorf("max_gen default = %d, want 100", got)
	}
	if got, _ := root.Flags().GetInt("log_level"); got != 2 {
		t.Errorf("log_level default = %d, want 2", got)
	}
}

func TestNewCLIRegistersShapeSubcommand(t *testing.T) {
	root := NewCLI()
	for _, c := range root.Commands() {
		if c.Name() == "shape" {
			return
		}
	}
	t.Fatal("expected a registered \"shape\" subcommand")
}
