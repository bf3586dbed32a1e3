package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftmem/weft/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a session graph from JSON",
		Long:  "Import a previously exported session graph. Reads from a file arg or stdin. Existing turns and facts are kept; existing episodes and embeddings are overwritten with the imported copies; missing records are added.",
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var data []byte
	var err error
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var export store.SessionExport
	if err := json.Unmarshal(data, &export); err != nil {
		exitErr("parse input", err)
	}
	if export.SessionID == "" {
		exitErr("import", fmt.Errorf("input has no session_id"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.ImportSession(cmd.Context(), export); err != nil {
		exitErr("import", err)
	}

	b, _ := json.Marshal(map[string]any{
		"session_id": export.SessionID,
		"episodes":   len(export.Episodes),
		"turns":      len(export.Turns),
		"facts":      len(export.Facts),
	})
	fmt.Println(string(b))
}
