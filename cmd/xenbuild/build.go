package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/config"
	"github.com/tinyrange/xenbuild/internal/xen"
)

var (
	buildOnly []string
	buildJobs int
)

var buildCmd = &cobra.Command{
	Use:   "build [DOMAIN FILE]",
	Short: "Build every domain defined in a domain file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := loadJobs(args[0], buildOnly)
		if err != nil {
			return err
		}
		call, closeCall, err := openTransport(hostEnv)
		if err != nil {
			return err
		}
		defer closeCall()

		progress := newProgress(jobs)
		defer progress.finish()

		results, err := runJobs(cmd.Context(), call, jobs, buildJobs, progress.add)
		for _, r := range results {
			if r.domain != nil && r.err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: domain %d built (%s, %d vcpus)\n",
					r.job.name, r.domain.DomID, humanize.IBytes(r.domain.TotalPages<<r.domain.PageShift), r.domain.VCPUs)
			}
		}
		return err
	},
}

func init() {
	buildCmd.Flags().StringSliceVar(&buildOnly, "only", nil, "Build only the named domains")
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", 4, "Domains built concurrently")
	rootCmd.AddCommand(buildCmd)
}

func loadJobs(path string, only []string) ([]*job, error) {
	f, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []*job
	for _, dom := range f.Domains {
		if len(only) > 0 && !slices.Contains(only, dom.Name) {
			continue
		}
		j, err := prepare(dom)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return nil, errors.New("no domains selected")
	}
	return jobs, nil
}

type result struct {
	job    *job
	domain *boot.Domain
	err    error
}

// runJobs builds the jobs concurrently. A failed build is destroyed when this
// run created it; the other builds carry on and every error is returned.
func runJobs(ctx context.Context, call xen.Call, jobs []*job, limit int, progress func(uint64)) ([]result, error) {
	results := make([]result, len(jobs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, j := range jobs {
		g.Go(func() error {
			cfg := j.cfg
			cfg.Progress = progress
			d, err := boot.Build(ctx, call, j.platform, cfg)
			if err == nil && j.unpause {
				if err = call.Unpause(ctx, d.DomID); err != nil {
					err = fmt.Errorf("unpause domain %d: %w", d.DomID, err)
				}
			}
			if err != nil {
				cleanup(ctx, call, j, d)
				err = fmt.Errorf("%s: %w", j.name, err)
			}
			results[i] = result{job: j, domain: d, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return results, errors.Join(errs...)
}

func cleanup(ctx context.Context, call xen.Call, j *job, d *boot.Domain) {
	if d == nil || j.cfg.DomID != xen.DomIDAny {
		return
	}
	if err := call.DestroyDomain(context.WithoutCancel(ctx), d.DomID); err != nil {
		slog.Error("xenbuild: destroy failed domain", "name", j.name, "domid", d.DomID, "error", err)
		return
	}
	slog.Info("xenbuild: destroyed failed domain", "name", j.name, "domid", d.DomID)
}

// progress reports populated memory across all builds on a terminal.
type progress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgress(jobs []*job) *progress {
	p := &progress{}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return p
	}
	var total int64
	for _, j := range jobs {
		total += int64(j.cfg.TotalPages << j.platform.PageShift())
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("populating guest memory"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	return p
}

func (p *progress) add(frames uint64) {
	if p.bar == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Add64(int64(frames << xen.PageShift))
}

func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
