package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "close-episode",
		Short: "Force-close the current episode",
		Long:  "Force-close the current open episode, trigger reflection, and open a new one.",
		Run:   runCloseEpisode,
	}

	cmd.Flags().StringP("reason", "r", "manual", "Close reason recorded on the episode")

	RootCmd.AddCommand(cmd)
}

func runCloseEpisode(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	sess, s, err := openSession(cmd.Context())
	if err != nil {
		exitErr("open session", err)
	}
	defer s.Close()
	defer sess.WaitReflections()

	closedID, err := sess.CloseEpisode(cmd.Context(), reason)
	if err != nil {
		exitErr("close-episode", err)
	}

	out := map[string]any{"closed_episode_id": nil, "open_episode_id": sess.CurrentEpisodeID()}
	if closedID != "" {
		out["closed_episode_id"] = closedID
	}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
