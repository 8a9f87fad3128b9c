package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatflow/pkg/config"
	"chatflow/pkg/embedding"
	"chatflow/pkg/faq"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var faqRouteName string

var faqCmd = &cobra.Command{
	Use:   "faq",
	Short: "Inspect FAQ corpora",
}

var faqMatchCmd = &cobra.Command{
	Use:   "match [--route name] <text>",
	Short: "Rank FAQ entries for a text",
	Long:  "Embeds the text and prints, for each FAQ route, the corpus entries that score above the route threshold, best first.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return errors.New("text is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		routes, err := faqRoutes(cfg, faqRouteName)
		if err != nil {
			return err
		}

		embedder, err := embedding.New(cfg.Embeddings)
		if err != nil {
			return fmt.Errorf("configure embeddings: %w", err)
		}
		if embedder == nil {
			return errors.New("embeddings.provider is none")
		}

		ctx := cmd.Context()
		query, err := embedding.EmbedOne(ctx, embedder, text)
		if err != nil {
			return fmt.Errorf("embed text: %w", err)
		}

		out := make([]string, 0, len(routes))
		for _, rc := range routes {
			corpus, err := faq.Load(ctx, rc.FAQ.Corpus, embedder)
			if err != nil {
				return fmt.Errorf("route %q: %w", rc.Name, err)
			}
			slog.Default().Debug("Corpus loaded", "component", "cmd.faq", "route", rc.Name, "entries", corpus.Len())

			candidates := corpus.Match(query, rc.FAQ.Threshold)
			out = append(out, renderCandidates(rc.Name, rc.FAQ.Threshold, candidates))
		}

		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, "\n\n"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(faqCmd)
	faqCmd.AddCommand(faqMatchCmd)
	faqMatchCmd.Flags().StringVarP(&faqRouteName, "route", "r", "", "only this route")
}

// faqRoutes returns the routes that carry a corpus, optionally only name.
func faqRoutes(cfg *config.Config, name string) ([]config.RouteConfig, error) {
	name = strings.TrimSpace(name)

	var routes []config.RouteConfig
	for _, rc := range cfg.Routes {
		if rc.FAQ == nil {
			continue
		}
		if name != "" && rc.Name != name {
			continue
		}
		routes = append(routes, rc)
	}

	if len(routes) == 0 {
		if name != "" {
			return nil, fmt.Errorf("route %q has no faq corpus", name)
		}
		return nil, errors.New("no routes have a faq corpus")
	}

	return routes, nil
}

var (
	faqTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("24")).Padding(0, 1)
	faqMetaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	faqScoreStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("150"))
	faqKeyStyle    = lipgloss.NewStyle().Bold(true)
	faqAnswerStyle = lipgloss.NewStyle().PaddingLeft(8).Foreground(lipgloss.Color("252"))
	faqEmptyStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("203"))
)

func renderCandidates(routeName string, threshold float64, candidates []faq.Candidate) string {
	lines := []string{
		faqTitleStyle.Render(routeName) + " " + faqMetaStyle.Render(fmt.Sprintf("threshold %.2f", threshold)),
	}

	if len(candidates) == 0 {
		return strings.Join(append(lines, faqEmptyStyle.Render("  no entry above threshold")), "\n")
	}

	for _, candidate := range candidates {
		lines = append(lines, fmt.Sprintf("  %s %s", faqScoreStyle.Render(fmt.Sprintf("%.3f", candidate.Score)), faqKeyStyle.Render(candidate.Key)))
		if answer := strings.TrimSpace(candidate.Answer); answer != "" {
			lines = append(lines, faqAnswerStyle.Render(answer))
		}
	}

	return strings.Join(lines, "\n")
}
