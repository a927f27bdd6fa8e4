package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"howbehind/internal/ics"
	"howbehind/internal/model"
	"howbehind/internal/reconcile"
	"howbehind/internal/summary"
	"howbehind/internal/tracker"
)

var (
	othersDay   string
	exportPath  string
	mergeKeep   bool
	mergeFrom   string
	upgradeKeep string
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the behind list and totals",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the feed and add classes that have finished",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var doneCmd = &cobra.Command{
	Use:   "done SESSION_ID",
	Short: "Mark a class as caught up",
	Args:  cobra.ExactArgs(1),
	RunE:  runDone,
}

var undoneCmd = &cobra.Command{
	Use:   "undone SESSION_ID",
	Short: "Put a class from the feed back on the behind list",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndone,
}

var setFeedCmd = &cobra.Command{
	Use:     "set-feed URL",
	Short:   "Set the timetable feed (use \"test\" for sample data, \"\" to clear)",
	Example: `  howbehind -u anon-... set-feed https://timetable.example.edu/ical/abc.ics`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSetFeed,
}

var setBreaksCmd = &cobra.Command{
	Use:     "set-breaks [DATE...]",
	Short:   "Replace the list of break weeks",
	Example: `  howbehind -u anon-... set-breaks 2024-04-01 2024-04-08`,
	RunE:    runSetBreaks,
}

var othersCmd = &cobra.Command{
	Use:   "others",
	Short: "List the day's classes that are not on the behind list",
	Args:  cobra.NoArgs,
	RunE:  runOthers,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the profile document to stdout or a file",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the profile with a previously exported document (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var newUserCmd = &cobra.Command{
	Use:   "new-user",
	Short: "Create a new anonymous user id",
	Args:  cobra.NoArgs,
	RunE:  runNewUser,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade CREDENTIAL",
	Short: "Move an anonymous user onto a permanent account",
	Long: `Maps the anonymous user to the account of CREDENTIAL. When that account
already has data, pass --keep=true to merge the anonymous data into it or
--keep=false to discard the anonymous data.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpgrade,
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge another profile into the current user and retire it",
	Args:  cobra.NoArgs,
	RunE:  runMerge,
}

func init() {
	othersCmd.Flags().StringVar(&othersDay, "day", "", "Date (YYYY-MM-DD), defaults to today")
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Output file (default stdout)")
	upgradeCmd.Flags().StringVar(&upgradeKeep, "keep", "", "Resolve a conflict: true merges, false discards")
	mergeCmd.Flags().StringVar(&mergeFrom, "from", "", "Profile id to merge from (required)")
	mergeCmd.Flags().BoolVar(&mergeKeep, "keep", true, "Keep the merged profile's data (false discards it)")
	_ = mergeCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(summaryCmd, refreshCmd, doneCmd, undoneCmd, setFeedCmd, setBreaksCmd,
		othersCmd, exportCmd, importCmd, newUserCmd, upgradeCmd, mergeCmd)
}

func runSummary(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	snap, err := rt.svc.Summary(ctx, userID)
	if err != nil {
		return err
	}
	printSnapshot(cmd.OutOrStdout(), snap, rt.loc)
	return nil
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out, err := rt.svc.Refresh(ctx, userID)
	if err != nil && !errors.Is(err, ics.ErrUnavailable) {
		return err
	}
	w := cmd.OutOrStdout()
	if len(out.Added) > 0 {
		green := color.New(color.FgGreen)
		green.Fprintf(w, "Added %d class(es):\n", len(out.Added))
		for _, s := range out.Added {
			fmt.Fprintf(w, "  + %s\n", sessionLine(s, rt.loc))
		}
		fmt.Fprintln(w)
	}
	printSnapshot(w, out.Snapshot, rt.loc)
	return nil
}

func runDone(cmd *cobra.Command, args []string) error {
	return mutateAndPrint(cmd, func(rt *runtime) (tracker.Snapshot, error) {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return rt.svc.MarkDone(ctx, userID, args[0])
	})
}

func runUndone(cmd *cobra.Command, args []string) error {
	return mutateAndPrint(cmd, func(rt *runtime) (tracker.Snapshot, error) {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return rt.svc.MarkNotDoneByID(ctx, userID, args[0])
	})
}

func runSetFeed(cmd *cobra.Command, args []string) error {
	return mutateAndPrint(cmd, func(rt *runtime) (tracker.Snapshot, error) {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return rt.svc.SetFeedURL(ctx, userID, strings.TrimSpace(args[0]))
	})
}

func runSetBreaks(cmd *cobra.Command, args []string) error {
	return mutateAndPrint(cmd, func(rt *runtime) (tracker.Snapshot, error) {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return rt.svc.SetBreakWeeks(ctx, userID, args)
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	return mutateAndPrint(cmd, func(rt *runtime) (tracker.Snapshot, error) {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return rt.svc.Import(ctx, userID, data)
	})
}

func mutateAndPrint(cmd *cobra.Command, fn func(rt *runtime) (tracker.Snapshot, error)) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := fn(rt)
	if err != nil {
		return err
	}
	printSnapshot(cmd.OutOrStdout(), snap, rt.loc)
	return nil
}

func runOthers(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	day := othersDay
	if day == "" {
		day = model.DayKey(time.Now(), rt.loc)
	}
	classes, err := rt.svc.OtherClasses(ctx, userID, day)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintf(w, "Other classes on %s\n", day)
	if len(classes) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for _, c := range classes {
		fmt.Fprintf(w, "  %-6s %s\n", c.Timing, sessionLine(c.Session, rt.loc))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	data, err := rt.svc.Export(ctx, userID)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if exportPath == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(exportPath, data, 0o600)
}

func runNewUser(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	fmt.Fprintln(cmd.OutOrStdout(), rt.ids.NewAnonymous().ID)
	return nil
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	anon, err := rt.ids.Parse(userID)
	if err != nil {
		return err
	}
	perm, conflict, err := rt.ids.Upgrade(ctx, anon, args[0])
	if err != nil {
		return err
	}

	keep := true
	if conflict != nil {
		switch upgradeKeep {
		case "true":
		case "false":
			keep = false
		default:
			yellow := color.New(color.FgYellow, color.Bold)
			yellow.Fprintf(cmd.ErrOrStderr(), "Account %s already has data.\n", perm.ID)
			return fmt.Errorf("re-run with --keep=true to merge or --keep=false to discard %s", anon.ID)
		}
	}

	res, err := rt.svc.Reconcile(ctx, reconcile.Request{IncomingID: perm.ID, AnonymousID: anon.ID, Keep: keep})
	if err != nil {
		return err
	}
	printReconcile(cmd.OutOrStdout(), perm.ID, res)
	return nil
}

func runMerge(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	res, err := rt.svc.Reconcile(ctx, reconcile.Request{IncomingID: userID, AnonymousID: mergeFrom, Keep: mergeKeep})
	if err != nil {
		return err
	}
	printReconcile(cmd.OutOrStdout(), userID, res)
	return nil
}

func printReconcile(w io.Writer, id string, res reconcile.Result) {
	green := color.New(color.FgGreen)
	if res.Merged {
		green.Fprintf(w, "Merged into %s (%d class(es) behind)\n", id, len(res.Profile.Behind))
	} else {
		green.Fprintf(w, "Switched to %s; previous data discarded\n", id)
	}
}

func printSnapshot(w io.Writer, snap tracker.Snapshot, loc *time.Location) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cyan.Fprintf(w, "User %s\n", snap.UserID)
	feed := snap.FeedURL
	if feed == "" {
		feed = "(none)"
	}
	fmt.Fprintf(w, "  Feed:      %s [%s]\n", feed, snap.FeedStatus)
	if snap.FeedError != "" {
		red.Fprintf(w, "  Error:     %s\n", snap.FeedError)
	}
	if !snap.Watermark.IsZero() {
		fmt.Fprintf(w, "  Checked:   %s\n", snap.Watermark.In(loc).Format("Mon 2 Jan 15:04"))
	}
	if !snap.NextWake.IsZero() {
		fmt.Fprintf(w, "  Next:      %s\n", snap.NextWake.In(loc).Format("Mon 2 Jan 15:04"))
	}
	if len(snap.BreakWeeks) > 0 {
		fmt.Fprintf(w, "  Breaks:    %s\n", strings.Join(snap.BreakWeeks, ", "))
	}
	fmt.Fprintln(w)

	sum := snap.Summary
	severityColor(sum.Severity).Fprintf(w, "Behind: %s\n", formatMinutes(sum.TotalMinutes))
	for _, c := range sum.PerCourse {
		fmt.Fprintf(w, "  %-12s %s\n", c.Course, formatMinutes(c.Minutes))
	}
	for _, d := range sum.Days {
		fmt.Fprintln(w)
		cyan.Fprintf(w, "%s (%s)\n", d.DayKey, formatMinutes(d.Minutes))
		for _, s := range d.Sessions {
			fmt.Fprintf(w, "  %s\n", sessionLine(s, loc))
			fmt.Fprintf(w, "    %s\n", s.ID)
		}
	}
}

func sessionLine(s model.Session, loc *time.Location) string {
	return fmt.Sprintf("%s %s %s (%s)", s.DayKey, model.FormatClock(s.StartDate, loc), s.Course+" "+s.Activity, formatMinutes(s.DurationMinutes))
}

func severityColor(sev summary.Severity) *color.Color {
	switch sev {
	case summary.UpToDate:
		return color.New(color.FgGreen, color.Bold)
	case summary.Slightly:
		return color.New(color.FgHiGreen, color.Bold)
	case summary.Behind, summary.FarBehind:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	if m%60 == 0 {
		return fmt.Sprintf("%dh", m/60)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
