package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/dashboard"
	"github.com/MarcoPoloResearchLab/stamptour/internal/progress"
	"github.com/MarcoPoloResearchLab/stamptour/internal/report"
	"github.com/MarcoPoloResearchLab/stamptour/internal/server"
	"github.com/MarcoPoloResearchLab/stamptour/internal/sticker"
	"github.com/MarcoPoloResearchLab/stamptour/internal/tour"
)

const shutdownTimeout = 10 * time.Second

// lockedWriter serializes writes; writers sharing mu never interleave.
type lockedWriter struct {
	mu     *sync.Mutex
	writer io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Write(p)
}

func newScanCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "scan [payload]",
		Short: "Submit a scanned QR payload, or read payloads line by line from stdin",
		Args: func(cmd *cobra.Command, args []string) error {
			if watch {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			// Navigations fire on timer goroutines while the session prints outcomes.
			var outputMu sync.Mutex
			out := &lockedWriter{mu: &outputMu, writer: cmd.OutOrStdout()}
			errOut := &lockedWriter{mu: &outputMu, writer: cmd.ErrOrStderr()}
			orchestrator, err := rt.openTour(tour.NavigatorFunc(func(route tour.Route) {
				if watch {
					fmt.Fprintf(out, "-> %s\n", route)
				}
			}))
			if err != nil {
				return err
			}

			if !watch {
				outcome, err := orchestrator.Submit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printOutcome(out, outcome)
				return nil
			}

			session, err := tour.NewSession(tour.SessionConfig{
				Capture:      tour.NewLineCapture(cmd.InOrStdin()),
				Orchestrator: orchestrator,
				OnOutcome:    func(outcome tour.Outcome) { printOutcome(out, outcome) },
				OnError:      func(err error) { fmt.Fprintf(errOut, "scan failed: %v\n", err) },
				Logger:       rt.logger,
			})
			if err != nil {
				return err
			}
			if err := session.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Read decoded payloads from stdin until it closes")
	return cmd
}

func newProgressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show the stamp progress of the local participant",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			orchestrator, err := rt.openTour(nil)
			if err != nil {
				return err
			}
			loaded, err := orchestrator.LoadProgress(cmd.Context())
			if err != nil && !loaded.HasParticipant() {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "showing cached progress: %v\n", err)
			}
			printProgress(cmd.OutOrStdout(), loaded)
			return nil
		}),
	}
}

func newBoothsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booths",
		Short: "List the active booths and which ones were visited",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			orchestrator, err := rt.openTour(nil)
			if err != nil {
				return err
			}
			statuses, err := orchestrator.BoothList(cmd.Context())
			if err != nil {
				return err
			}
			printBooths(cmd.OutOrStdout(), statuses)
			return nil
		}),
	}
	cmd.AddCommand(newBoothAdminCommand())
	return cmd
}

func newBoothAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the booth catalog",
	}
	cmd.AddCommand(
		newBoothAdminListCommand(),
		newBoothAdminCreateCommand(),
		newBoothAdminUpdateCommand(),
		newBoothAdminDeleteCommand(),
	)
	return cmd
}

func newBoothAdminListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every booth, inactive ones included",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			booths, err := rt.client.AdminBooths(cmd.Context())
			if err != nil {
				return err
			}
			printManagedBooths(cmd.OutOrStdout(), booths)
			return nil
		}),
	}
}

func newBoothAdminCreateCommand() *cobra.Command {
	var draft backend.BoothDraft
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a booth to the catalog",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			if inactive {
				active := false
				draft.IsActive = &active
			}
			booth, err := rt.client.CreateBooth(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created booth %d %s (%s)\n", booth.ID, booth.Code, activeLabel(booth.IsActive))
			return nil
		}),
	}
	cmd.Flags().StringVar(&draft.Code, "code", "", "Booth code printed in its QR sticker")
	cmd.Flags().StringVar(&draft.Name, "name", "", "Booth display name")
	cmd.Flags().StringVar(&draft.Description, "description", "", "Booth description")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the booth switched off")
	return cmd
}

func newBoothAdminUpdateCommand() *cobra.Command {
	var code, name, description string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <booth-id>",
		Short: "Change the fields of a booth that are given as flags",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			boothID, err := parseBoothID(args[0])
			if err != nil {
				return err
			}
			var patch backend.BoothPatch
			flags := cmd.Flags()
			if flags.Changed("code") {
				patch.Code = &code
			}
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("active") {
				patch.IsActive = &active
			}
			booth, err := rt.client.UpdateBooth(cmd.Context(), boothID, patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated booth %d %s (%s)\n", booth.ID, booth.Code, activeLabel(booth.IsActive))
			return nil
		}),
	}
	cmd.Flags().StringVar(&code, "code", "", "New booth code")
	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().BoolVar(&active, "active", true, "Switch the booth on or off")
	return cmd
}

func newBoothAdminDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <booth-id>",
		Short: "Delete a booth, or deactivate it when it already has visits",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			boothID, err := parseBoothID(args[0])
			if err != nil {
				return err
			}
			removal, err := rt.client.DeleteBooth(cmd.Context(), boothID)
			if err != nil {
				return err
			}
			if removal.Action == backend.BoothDeactivated {
				fmt.Fprintf(cmd.OutOrStdout(), "booth %s deactivated, %d visits kept\n", removal.BoothCode, removal.ParticipantCount)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booth %s %s\n", removal.BoothCode, removal.Action)
			return nil
		}),
	}
}

func parseBoothID(raw string) (int64, error) {
	boothID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || boothID <= 0 {
		return 0, fmt.Errorf("invalid booth id %q", raw)
	}
	return boothID, nil
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the local participant and start a new tour",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			orchestrator, err := rt.openTour(nil)
			if err != nil {
				return err
			}
			if err := orchestrator.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "participant reset")
			return nil
		}),
	}
}

func newStatsCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show participation statistics",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			views, err := rt.openDashboard()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !watch {
				if err := views.Refresh(cmd.Context(), dashboard.TopicStatistics); err != nil {
					return err
				}
				view, _ := views.Statistics()
				printStatistics(out, view)
				return nil
			}

			events, cleanup := views.Subscribe(cmd.Context(), dashboard.TopicStatistics, dashboard.TopicHealth)
			defer cleanup()
			if err := views.Start(cmd.Context()); err != nil {
				return err
			}
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case event := <-events:
					switch {
					case event.Err != "":
						fmt.Fprintf(cmd.ErrOrStderr(), "%s refresh failed: %s\n", event.Topic, event.Err)
					case event.Statistics != nil:
						printStatistics(out, *event.Statistics)
					case event.Health != nil:
						printHealth(out, *event.Health)
					}
				}
			}
		}),
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep polling and print every refresh")
	return cmd
}

func newGiftsCommand() *cobra.Command {
	var excludeReceived bool
	var csvPath string
	cmd := &cobra.Command{
		Use:   "gifts",
		Short: "List participants eligible for the souvenir",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			views, err := rt.openDashboard()
			if err != nil {
				return err
			}
			if err := views.Refresh(cmd.Context(), dashboard.TopicGifts); err != nil {
				return err
			}
			view, _ := views.Gifts()
			visible := view.Visible(!excludeReceived)

			if csvPath == "" {
				printGifts(cmd.OutOrStdout(), view, visible, rt.config.ReportLocation)
				return nil
			}
			target := csvPath
			if info, err := os.Stat(csvPath); err == nil && info.IsDir() {
				target = filepath.Join(csvPath, report.GiftCSVFilename(time.Now().In(rt.config.ReportLocation)))
			}
			if err := os.WriteFile(target, report.ExportGiftCSV(visible, rt.config.ReportLocation), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d participants to %s\n", len(visible), target)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&excludeReceived, "exclude-received", false, "Hide participants who already collected the souvenir")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Write the list as CSV to this file or directory")
	return cmd
}

func newQRCommand() *cobra.Command {
	var outDir string
	var size int
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Render a QR sticker for every active booth",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			generator, err := sticker.NewGenerator(sticker.GeneratorConfig{BaseURL: rt.config.QRBaseURL, Size: size})
			if err != nil {
				return err
			}
			booths, err := rt.client.Booths(cmd.Context())
			if err != nil {
				return err
			}
			stickers, err := generator.Generate(booths)
			if err != nil {
				return err
			}
			if err := sticker.WriteDir(outDir, stickers); err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, generated := range stickers {
				fmt.Fprintf(writer, "%s\t%s\t%s\n", generated.Code, generated.Name, generated.URL)
			}
			if err := writer.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d stickers to %s\n", len(stickers), outDir)
			return nil
		}),
	}
	cmd.Flags().StringVar(&outDir, "out", "stickers", "Directory the PNG files are written to")
	cmd.Flags().IntVar(&size, "size", sticker.DefaultSize, "PNG edge length in pixels")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin reports over HTTP",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *runtime) error {
			return runServer(cmd.Context(), rt)
		}),
	}
}

func runServer(ctx context.Context, rt *runtime) error {
	views, err := rt.openDashboard()
	if err != nil {
		return err
	}
	if err := views.Start(ctx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Reports:  views,
		Location: rt.config.ReportLocation,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func printOutcome(out io.Writer, outcome tour.Outcome) {
	fmt.Fprintf(out, "[%s] %s: %s\n", outcome.Kind, outcome.BoothCode, outcome.Message)
	if outcome.Kind == tour.OutcomeRejected {
		return
	}
	fmt.Fprintf(out, "stamps %d, %.0f%% complete, %d remaining\n",
		outcome.Progress.StampCount, outcome.Progress.Percentage, outcome.Progress.Remaining)
	if outcome.JustCompleted {
		fmt.Fprintln(out, "tour complete: collect your souvenir at the gift desk")
	}
}

func printProgress(out io.Writer, loaded tour.Progress) {
	if loaded.Stale {
		fmt.Fprintln(out, "the stored participant is unknown to the backend and was forgotten")
	}
	if !loaded.HasParticipant() {
		fmt.Fprintln(out, "no stamps collected yet")
		return
	}
	snapshot := loaded.Snapshot
	fmt.Fprintf(out, "participant %s\n", loaded.ParticipantID)
	fmt.Fprintf(out, "stamps %d, %.0f%% complete, %d remaining\n", snapshot.StampCount, snapshot.Percentage, snapshot.Remaining)
	if snapshot.IsCompleted {
		fmt.Fprintln(out, "tour complete")
	}
	if len(loaded.Recommended) > 0 {
		fmt.Fprintln(out, "next booths:")
		for _, booth := range loaded.Recommended {
			fmt.Fprintf(out, "  %s  %s\n", booth.Code, booth.Name)
		}
	}
}

func printBooths(out io.Writer, statuses []progress.BoothStatus) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, status := range statuses {
		mark := " "
		if status.Visited {
			mark = "x"
		}
		fmt.Fprintf(writer, "[%s]\t%s\t%s\n", mark, status.Code, status.Name)
	}
	_ = writer.Flush()
}

func printManagedBooths(out io.Writer, booths []backend.ManagedBooth) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, booth := range booths {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%d\n", booth.ID, booth.Code, booth.Name, activeLabel(booth.IsActive), booth.ParticipantCount)
	}
	_ = writer.Flush()
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func printStatistics(out io.Writer, view report.StatisticsView) {
	summary := view.Summary
	fmt.Fprintf(out, "participants %d, completed %d (%.1f%%), gifts %d\n",
		summary.TotalParticipants, summary.CompletedParticipants, summary.CompletionRate, summary.GiftEligibleCount)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, booth := range view.Booths {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%d\n", booth.Rank, booth.Code, booth.Name, booth.ParticipantCount)
	}
	_ = writer.Flush()

	for _, bar := range view.Hourly {
		fmt.Fprintf(out, "%s  new %3d  stamps %3d\n", bar.Hour, bar.NewParticipants, bar.StampsCollected)
	}
}

func printHealth(out io.Writer, health backend.Health) {
	fmt.Fprintf(out, "backend %s, database %s, %d booths active, %d stamps\n",
		health.Status, health.Database, health.Statistics.ActiveBooths, health.Statistics.TotalStampsCollected)
}

func printGifts(out io.Writer, view dashboard.GiftView, visible []backend.GiftParticipant, location *time.Location) {
	fmt.Fprintf(out, "eligible %d, received %d, listed %d\n", view.TotalEligible, view.Received, len(visible))
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, participant := range visible {
		completedAt := "unknown"
		if participant.CompletedAt != nil {
			completedAt = participant.CompletedAt.In(location).Format("2006-01-02 15:04")
		}
		received := ""
		if participant.GiftReceived {
			received = "received"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\n",
			report.ShortID(participant.ParticipantID), completedAt, participant.StampCount,
			report.FormatDuration(participant.CompletionDuration), received)
	}
	_ = writer.Flush()
}
