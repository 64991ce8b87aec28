package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

var (
	dispatchFile          string
	dispatchBatchID       string
	dispatchBrandID       string
	dispatchBrandName     string
	dispatchDomain        string
	dispatchAliases       []string
	dispatchProviders     []string
	dispatchQuestions     []string
	dispatchPriority      string
	dispatchRuns          int
	dispatchForceScripted bool
	dispatchHallucination bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch a batch of visibility checks",
	Long: "Creates one visibility unit per question and provider. The scripted lane runs in this process; " +
		"browser-lane jobs are queued for workers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := buildDispatchRequest()
		if err != nil {
			return err
		}

		env, err := initService(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()
		env.Service.SetLauncher(inlineLauncher{svc: env.Service})

		res, err := env.Service.Dispatch(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// inlineLauncher runs the scripted lane before Dispatch returns, so a
// one-shot CLI process does not exit with trials in flight.
type inlineLauncher struct {
	svc *visibility.Service
}

func (l inlineLauncher) Launch(ctx context.Context, _ string, units []model.VisibilityUnit) error {
	return l.svc.RunScripted(ctx, units)
}

// buildDispatchRequest reads the request from --file when given, otherwise
// from flags. Questions from flags get positional IDs q1..qN.
func buildDispatchRequest() (visibility.DispatchRequest, error) {
	var req visibility.DispatchRequest
	if dispatchFile != "" {
		data, err := os.ReadFile(dispatchFile)
		if err != nil {
			return req, eris.Wrap(err, "read dispatch file")
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, eris.Wrap(err, "parse dispatch file")
		}
		return req, nil
	}

	req = visibility.DispatchRequest{
		BatchID: dispatchBatchID,
		Brand: visibility.BrandInput{
			ID:      dispatchBrandID,
			Name:    dispatchBrandName,
			Domain:  dispatchDomain,
			Aliases: dispatchAliases,
		},
		Providers:            dispatchProviders,
		Priority:             dispatchPriority,
		ForceScripted:        dispatchForceScripted,
		EnsembleRuns:         dispatchRuns,
		DetectHallucinations: dispatchHallucination,
	}
	for i, q := range dispatchQuestions {
		req.Questions = append(req.Questions, visibility.Question{ID: "q" + strconv.Itoa(i+1), Text: q})
	}
	return req, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := dispatchCmd.Flags()
	f.StringVar(&dispatchFile, "file", "", "JSON dispatch request (overrides the other flags)")
	f.StringVar(&dispatchBatchID, "batch-id", "", "batch ID (generated when empty)")
	f.StringVar(&dispatchBrandID, "brand-id", "", "brand ID")
	f.StringVar(&dispatchBrandName, "brand", "", "brand name")
	f.StringVar(&dispatchDomain, "domain", "", "brand domain, matched against cited sources")
	f.StringSliceVar(&dispatchAliases, "alias", nil, "brand alias (repeatable)")
	f.StringSliceVar(&dispatchProviders, "provider", []string{"chatgpt", "perplexity", "gemini", "grok"}, "providers to ask")
	f.StringArrayVar(&dispatchQuestions, "question", nil, "buyer question (repeatable)")
	f.StringVar(&dispatchPriority, "priority", "", "immediate, high, normal or low")
	f.IntVar(&dispatchRuns, "runs", 0, "ensemble runs per unit (default per provider)")
	f.BoolVar(&dispatchForceScripted, "force-scripted", false, "skip the browser lane")
	f.BoolVar(&dispatchHallucination, "detect-hallucinations", false, "check answers against stored ground truth")
	rootCmd.AddCommand(dispatchCmd)
}
