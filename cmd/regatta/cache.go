package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline race cache",
}

var cacheRaceCmd = &cobra.Command{
	Use:   "race <race-id>",
	Short: "Cache the next race snapshot (never auto-evicted)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(cmd)
		if err != nil {
			return err
		}
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.CacheNextRace(cmd.Context(), args[0], data); err != nil {
			return err
		}
		fmt.Printf("Cached race %s\n", args[0])
		return nil
	},
}

var cacheVenueCmd = &cobra.Command{
	Use:   "venue <venue-id>",
	Short: "Cache a venue snapshot (default TTL: 30 days)",
	Long: `Cache a venue snapshot.

The entry expires after 30 days unless --keep-until overrides it with a
natural-language time, e.g.:

  regatta cache venue v42 --file venue.json --keep-until "next sunday"
  regatta cache venue v42 --file venue.json --keep-until "in 3 weeks"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(cmd)
		if err != nil {
			return err
		}
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		keepUntil, _ := cmd.Flags().GetString("keep-until")
		if keepUntil != "" {
			until, err := parseNaturalTime(keepUntil)
			if err != nil {
				return err
			}
			if err := e.CacheVenueUntil(cmd.Context(), args[0], data, until); err != nil {
				return err
			}
			fmt.Printf("Cached venue %s until %s\n", args[0], until.Format("2006-01-02 15:04"))
			return nil
		}

		if err := e.CacheVenue(cmd.Context(), args[0], data); err != nil {
			return err
		}
		fmt.Printf("Cached venue %s\n", args[0])
		return nil
	},
}

var cacheWeatherCmd = &cobra.Command{
	Use:   "weather <venue-id>",
	Short: "Cache a weather snapshot (TTL: 6 hours)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		if refresh {
			e, cleanup, err := openEngine(true)
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := e.RefreshWeather(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Refreshed weather for %s\n", args[0])
			return nil
		}

		data, err := readData(cmd)
		if err != nil {
			return err
		}
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.CacheWeather(cmd.Context(), args[0], data); err != nil {
			return err
		}
		fmt.Printf("Cached weather for %s\n", args[0])
		return nil
	},
}

var cacheTuningCmd = &cobra.Command{
	Use:   "tuning",
	Short: "Cache a YAML tuning guide keyed by boat class",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := readData(cmd)
		if err != nil {
			return err
		}
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		guide, err := e.CacheTuningGuide(cmd.Context(), src)
		if err != nil {
			return err
		}
		fmt.Printf("Cached tuning guide for %s (%d wind bands)\n", guide.BoatClass, len(guide.Rows))
		return nil
	},
}

var cacheSetHomeCmd = &cobra.Command{
	Use:   "set-home",
	Short: "Set the home venue (kept forever, survives cache clears)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := readDataOptional(cmd)
		if err != nil {
			return err
		}

		// No file given: collect the venue interactively.
		if data == nil {
			var name, notes string
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Home venue name").
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("name is required")
						}
						return nil
					}).
					Value(&name),
				huh.NewText().
					Title("Notes (launch ramp, local effects, ...)").
					Value(&notes),
			))
			if err := form.Run(); err != nil {
				return err
			}
			data, err = json.Marshal(map[string]string{"name": name, "notes": notes})
			if err != nil {
				return err
			}
		}

		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.SetHomeVenue(cmd.Context(), data); err != nil {
			return err
		}
		fmt.Println("Home venue saved")
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <race|venue|weather|home> [id]",
	Short: "Print a cached snapshot as JSON",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		var data json.RawMessage
		switch kind := args[0]; kind {
		case "home":
			data, err = e.HomeVenue(ctx)
		case "race", "venue", "weather":
			if len(args) < 2 {
				return fmt.Errorf("%s requires an id", kind)
			}
			switch kind {
			case "race":
				data, err = e.GetCachedRace(ctx, args[1])
			case "venue":
				data, err = e.GetCachedVenue(ctx, args[1])
			case "weather":
				data, err = e.GetCachedWeather(ctx, args[1])
			}
		default:
			return fmt.Errorf("unknown snapshot kind %q", kind)
		}
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the cache (the home venue always survives)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		expiredOnly, _ := cmd.Flags().GetBool("expired")
		var n int
		if expiredOnly {
			n, err = e.ClearExpiredCache(cmd.Context())
		} else {
			n, err = e.ClearCache(cmd.Context())
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entries\n", n)
		return nil
	},
}

var cacheClearRaceCmd = &cobra.Command{
	Use:   "clear-race <race-id>",
	Short: "Drop a completed race's cached data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(false)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.ClearRaceCache(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cleared race %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{cacheRaceCmd, cacheVenueCmd, cacheWeatherCmd, cacheTuningCmd, cacheSetHomeCmd} {
		c.Flags().String("file", "", "read the snapshot from this file ('-' for stdin)")
	}
	cacheVenueCmd.Flags().String("keep-until", "", "keep the entry until a natural-language time")
	cacheWeatherCmd.Flags().Bool("refresh", false, "fetch the latest snapshot from the backend instead of a file")
	cacheClearCmd.Flags().Bool("expired", false, "only remove expired entries")

	cacheCmd.AddCommand(cacheRaceCmd, cacheVenueCmd, cacheWeatherCmd, cacheTuningCmd,
		cacheSetHomeCmd, cacheGetCmd, cacheClearCmd, cacheClearRaceCmd)
	rootCmd.AddCommand(cacheCmd)
}

// readData reads the --file flag content, stdin for "-". The flag is
// required.
func readData(cmd *cobra.Command) ([]byte, error) {
	data, err := readDataOptional(cmd)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("--file is required")
	}
	return data, nil
}

func readDataOptional(cmd *cobra.Command) ([]byte, error) {
	path, _ := cmd.Flags().GetString("file")
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return os.ReadFile(path)
	}
}

// parseNaturalTime resolves expressions like "next sunday" or "in 3
// weeks" to a future time.
func parseNaturalTime(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand %q as a time", text)
	}
	if !r.Time.After(time.Now()) {
		return time.Time{}, fmt.Errorf("%q resolves to the past (%s)", text, r.Time.Format("2006-01-02 15:04"))
	}
	return r.Time, nil
}
