package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"howbehind/internal/ics"
	appLog "howbehind/internal/log"
	"howbehind/internal/model"
)

var checkLimit int

var checkCmd = &cobra.Command{
	Use:   "check [URL]",
	Short: "Validate the configuration and try loading a timetable feed",
	Long: `Loads the configuration, opens the profile store and fetches a feed once.
With no URL the current user's configured feed is checked.`,
	Example: `  howbehind check test
  howbehind -u anon-... check`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVarP(&checkLimit, "limit", "n", 10, "Number of sessions to list")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	w := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	green.Fprintf(w, "Config OK (timezone %s, storage %s)\n", rt.loc, rt.cfg.Storage.Type)

	users, err := rt.store.Users(ctx)
	if err != nil {
		red.Fprintf(w, "Store: %v\n", err)
		return err
	}
	green.Fprintf(w, "Store OK (%d profile(s))\n", len(users))

	feedURL := ""
	switch {
	case len(args) == 1:
		feedURL = args[0]
	case userID != "":
		p, err := rt.store.Read(ctx, userID)
		if err != nil {
			return fmt.Errorf("read profile %s: %w", userID, err)
		}
		feedURL = p.FeedURL
	default:
		return fmt.Errorf("pass a feed URL or --user")
	}

	fetcher, err := ics.NewFetcher(ics.FetcherConfig{
		RelayURL:  rt.cfg.RelayURL,
		Timeout:   rt.cfg.FetchTimeoutDuration(),
		CacheSize: 1,
	})
	if err != nil {
		return err
	}
	start := time.Now()
	feed := ics.NewLoader(fetcher).Load(ctx, feedURL, ics.Options{
		Location:     rt.loc,
		Now:          time.Now(),
		LookbackDays: rt.cfg.LookbackDays,
		HorizonDays:  rt.cfg.HorizonDays,
	})
	appLog.Debug("check feed", "feed", appLog.RedactURL(feedURL), "elapsed", time.Since(start).String())

	switch feed.Status {
	case ics.NoData:
		red.Fprintln(w, "Feed: none configured")
		return nil
	case ics.Unavailable:
		red.Fprintf(w, "Feed: %v\n", feed.Err)
		return feed.Err
	}

	green.Fprintf(w, "Feed OK (%d session(s))\n", len(feed.Sessions))
	for i, s := range feed.Sessions {
		if i >= checkLimit {
			fmt.Fprintf(w, "  ... %d more\n", len(feed.Sessions)-checkLimit)
			break
		}
		fmt.Fprintf(w, "  %s\n", sessionLine(s, rt.loc))
	}
	if len(feed.Sessions) > 0 {
		cyan.Fprintf(w, "Today is %s\n", model.DayKey(time.Now(), rt.loc))
	}
	return nil
}
