package importer

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FileResult is the outcome of reading one CSV file.
type FileResult struct {
	Path string
	*Result
}

// ReadFiles reads several CSV exports with at most concurrency files open at
// once. Results keep the order of paths. The first unreadable file cancels
// the rest.
func ReadFiles(ctx context.Context, paths []string, resolver *SaleResolver, concurrency int, logger *logrus.Logger) ([]FileResult, error) {
	results := make([]FileResult, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer f.Close()

			logger.WithField("file", path).Debug("Reading sales file")
			result, err := ReadCSV(f, resolver, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = FileResult{Path: path, Result: result}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
