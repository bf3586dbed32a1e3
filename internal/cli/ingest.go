package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftmem/weft/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Ingest a turn",
		Long:  "Ingest a conversation turn. Content can be a positional arg or piped via stdin.",
		Run:   runIngest,
	}

	cmd.Flags().StringP("role", "r", "user", "Role: user, assistant, tool")
	cmd.Flags().StringP("markers", "m", "", "Comma-separated explicit markers (decision, constraint, failure, goal, custom:<label>)")
	cmd.Flags().String("meta", "", "JSON metadata")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	markersStr, _ := cmd.Flags().GetString("markers")
	metaStr, _ := cmd.Flags().GetString("meta")

	// Content: positional arg first, then stdin.
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		exitErr("ingest", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	var markerList []string
	if markersStr != "" {
		for _, m := range strings.Split(markersStr, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				markerList = append(markerList, m)
			}
		}
	}

	var metadata map[string]string
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &metadata); err != nil {
			exitErr("ingest", fmt.Errorf("invalid --meta JSON: %w", err))
		}
	}

	sess, s, err := openSession(cmd.Context())
	if err != nil {
		exitErr("open session", err)
	}
	defer s.Close()
	defer sess.WaitReflections()

	turnID, err := sess.Ingest(cmd.Context(), model.Role(role), content, markerList, metadata)
	if err != nil {
		exitErr("ingest", err)
	}

	b, _ := json.Marshal(map[string]string{"turn_id": turnID, "episode_id": sess.CurrentEpisodeID()})
	fmt.Println(string(b))
}
