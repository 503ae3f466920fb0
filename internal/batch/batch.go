// Package batch rewrites the images of already rendered HTML files on disk,
// for sites that are published as static files.
package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aellingwood/webpcdn/internal/rewrite"
)

// Options controls a RewriteDir run.
type Options struct {
	SrcDir string

	// OutputDir receives the rewritten tree. Empty means rewrite SrcDir in
	// place, in which case non-HTML files are left where they are.
	OutputDir string

	// Workers bounds the number of files processed at once; 0 means
	// runtime.NumCPU().
	Workers int

	Verbose bool
}

// Result summarises a RewriteDir run.
type Result struct {
	Files    int // HTML files rewritten
	Copied   int // other files copied to OutputDir
	Stats    rewrite.Stats
	Duration time.Duration
}

// RewriteDir rewrites every .html and .htm file under opts.SrcDir. The
// first failure cancels the files not yet started and is returned.
func RewriteDir(ctx context.Context, rw *rewrite.Rewriter, opts Options) (*Result, error) {
	start := time.Now()

	info, err := os.Stat(opts.SrcDir)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", opts.SrcDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", opts.SrcDir)
	}

	srcDir, err := filepath.Abs(opts.SrcDir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", opts.SrcDir, err)
	}
	outDir := srcDir
	if opts.OutputDir != "" {
		if outDir, err = filepath.Abs(opts.OutputDir); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", opts.OutputDir, err)
		}
	}
	inPlace := outDir == srcDir

	type job struct {
		src  string
		dst  string
		html bool
	}
	var jobs []job

	err = filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// An output directory nested inside the source is not input.
			if !inPlace && path == outDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		html := isHTMLFile(path)
		if inPlace && !html {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{src: path, dst: filepath.Join(outDir, rel), html: html})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source directory %s: %w", opts.SrcDir, err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		mu  sync.Mutex
		res = &Result{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if !j.html {
				if err := CopyFile(j.src, j.dst); err != nil {
					return err
				}
				mu.Lock()
				res.Copied++
				mu.Unlock()
				return nil
			}

			st, err := RewriteFile(rw, j.src, j.dst)
			if err != nil {
				return err
			}
			if opts.Verbose {
				log.Printf("%s: %d of %d images converted", relOrSelf(srcDir, j.src), st.Converted, st.Images)
			}
			mu.Lock()
			res.Files++
			res.Stats.Add(st)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	return res, nil
}

// RewriteFile rewrites the page at src into dst, which may be src itself.
// An in-place rewrite that changes nothing leaves the file untouched.
func RewriteFile(rw *rewrite.Rewriter, src, dst string) (rewrite.Stats, error) {
	info, err := os.Stat(src)
	if err != nil {
		return rewrite.Stats{}, fmt.Errorf("stat %s: %w", src, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return rewrite.Stats{}, fmt.Errorf("reading %s: %w", src, err)
	}

	in := string(data)
	out, st := rw.RewriteStats(in)

	if out == in && sameFile(src, dst) {
		return st, nil
	}
	if err := writeFileAtomic(dst, []byte(out), info.Mode().Perm()); err != nil {
		return st, err
	}
	return st, nil
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func relOrSelf(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
