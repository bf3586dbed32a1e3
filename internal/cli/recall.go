package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/recall"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Recall relevant context for a query",
		Run:   runRecall,
	}

	cmd.Flags().IntP("budget", "b", 0, "Token budget (default from config)")
	cmd.Flags().Float64("min-relevance", 0, "Minimum relevance score (0-1)")
	cmd.Flags().Bool("no-current", false, "Exclude current-episode turns")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		exitErr("recall", fmt.Errorf("query is required"))
	}
	query := strings.Join(args, " ")
	budget, _ := cmd.Flags().GetInt("budget")
	minRelevance, _ := cmd.Flags().GetFloat64("min-relevance")
	noCurrent, _ := cmd.Flags().GetBool("no-current")

	sess, s, err := openSession(cmd.Context())
	if err != nil {
		exitErr("open session", err)
	}
	defer s.Close()
	defer sess.WaitReflections()

	opts := recall.DefaultOptions()
	opts.TokenBudget = budget
	opts.MinRelevance = minRelevance
	opts.IncludeCurrentEpisode = !noCurrent

	items, err := sess.Recall(cmd.Context(), query, opts)
	if model.IsKind(err, model.KindBudgetExceeded) {
		// Best-effort result: warn, still print what fit.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	} else if err != nil {
		exitErr("recall", err)
	}

	b, _ := json.MarshalIndent(items, "", "  ")
	fmt.Println(string(b))
}
