package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	avida "github.com/kelvinofficial/avida-sub001"
)

var (
	pruneMaxAge     time.Duration
	refreshCategory string
	refreshLimit    int
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd, cacheViewedCmd, cacheClearCmd, cachePruneCmd, cacheRefreshCmd)

	cachePruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 7*24*time.Hour, "drop listings cached longer ago than this")
	cacheRefreshCmd.Flags().StringVar(&refreshCategory, "category", "", "only fetch listings in this category")
	cacheRefreshCmd.Flags().IntVar(&refreshLimit, "limit", 50, "number of listings to fetch")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the offline read cache",
}

func printListings(listings []avida.CachedListing) {
	for _, l := range listings {
		fmt.Printf("%-24s %10.2f %-4s %-32.32s %s\n",
			l.ID, l.Price, l.Currency, l.Title, l.CachedTime().Local().Format(time.RFC3339))
	}
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached listings, most recently cached first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		listings := s.offline.GetCachedListings()
		if len(listings) == 0 {
			fmt.Println("No cached listings.")
			return nil
		}
		printListings(listings)
		return nil
	},
}

var cacheViewedCmd = &cobra.Command{
	Use:   "viewed",
	Short: "List recently viewed listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		viewed := s.offline.GetViewedListings()
		if len(viewed) == 0 {
			fmt.Println("No recently viewed listings.")
			return nil
		}
		printListings(viewed)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached data (queued actions are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.offline.ClearCache(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop listings older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		removed, err := s.offline.Cache.ClearStale(pruneMaxAge)
		if err != nil {
			return fmt.Errorf("failed to prune cache: %w", err)
		}
		fmt.Printf("Removed %d stale listing(s).\n", removed)
		return nil
	},
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch listings, categories, favorites and profile into the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		errs := refreshCache(ctx, s)
		fmt.Printf("Cached %d listing(s).\n", s.offline.Cache.Count())
		if errs != nil {
			for _, e := range multierr.Errors(errs) {
				fmt.Printf("  warning: %v\n", e)
			}
		}
		return nil
	},
}

// refreshCache pulls every cacheable read model. Failures of one model do
// not stop the others; they are returned combined.
func refreshCache(ctx context.Context, s *session) error {
	var errs error

	page, err := s.client.GetListings(ctx, &avida.ListingsQuery{Category: refreshCategory, Limit: refreshLimit})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("listings: %w", err))
	} else {
		errs = multierr.Append(errs, s.offline.CacheListings(page.Listings))
	}

	if cats, err := s.client.GetCategories(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("categories: %w", err))
	} else {
		errs = multierr.Append(errs, s.offline.Cache.CacheCategories(cats))
	}

	if s.cfg.Default.APIKey == "" {
		return errs
	}

	if ids, err := s.client.GetFavorites(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("favorites: %w", err))
	} else {
		errs = multierr.Append(errs, s.offline.Cache.CacheFavorites(ids))
	}

	if profile, err := s.client.GetProfile(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("profile: %w", err))
	} else {
		errs = multierr.Append(errs, s.offline.Cache.CacheProfile(*profile))
	}
	return errs
}
