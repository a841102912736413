package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marine-detect/internal/metrics"
	"marine-detect/internal/storage"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

const (
	preCheckTimeout     = 20 * time.Second
	preCheckConcurrency = 4
	progressStep        = 5
)

// ProgressEvent is written as one JSON line per progress step so that a
// parent process reading our stdout can follow the download.
type ProgressEvent struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type Downloader struct {
	client *resty.Client
	store  storage.Provider

	// Progress receives JSON progress events, BarOutput the terminal bar.
	Progress  io.Writer
	BarOutput io.Writer

	logger  *slog.Logger
	metrics *metrics.PipelineMetrics
}

// NewDownloader creates a downloader. store is only needed for s3:// sources
// and may be nil.
func NewDownloader(store storage.Provider, logger *slog.Logger, m *metrics.PipelineMetrics) *Downloader {
	return &Downloader{
		client:    resty.New().SetRetryCount(0),
		store:     store,
		Progress:  os.Stdout,
		BarOutput: os.Stderr,
		logger:    logger,
		metrics:   m,
	}
}

func (d *Downloader) Client() *resty.Client {
	return d.client
}

// PreCheck verifies that every source is reachable and returns the names of
// those that are not.
func (d *Downloader) PreCheck(ctx context.Context, sources []Source) []string {
	d.logger.Info("checking dataset sources", "count", len(sources))

	var (
		mu     sync.Mutex
		failed []string
	)

	g := errgroup.Group{}
	g.SetLimit(preCheckConcurrency)

	for _, src := range sources {
		g.Go(func() error {
			if err := d.checkSource(ctx, src); err != nil {
				d.logger.Error("source unreachable", "source", src.Name, "url", src.URL, "error", err)
				mu.Lock()
				failed = append(failed, src.Name)
				mu.Unlock()
				return nil
			}
			d.logger.Info("source reachable", "source", src.Name)
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		d.logger.Error("pre-check failed", "unreachable", len(failed))
	} else {
		d.logger.Info("pre-check complete, all sources reachable")
	}
	return failed
}

func (d *Downloader) checkSource(ctx context.Context, src Source) error {
	ctx, cancel := context.WithTimeout(ctx, preCheckTimeout)
	defer cancel()

	if src.IsS3() {
		if d.store == nil {
			return fmt.Errorf("no object store configured for %s", src.URL)
		}
		bucket, key, err := storage.ParseS3URL(src.URL)
		if err != nil {
			return err
		}
		_, err = d.store.HeadObject(ctx, bucket, key)
		return err
	}

	res, err := d.client.R().SetContext(ctx).Head(src.URL)
	if err != nil {
		return fmt.Errorf("error requesting source: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("source returned status %d", res.StatusCode())
	}
	return nil
}

// Download fetches src into zipPath. A partially written file is removed when
// the download fails.
func (d *Downloader) Download(ctx context.Context, src Source, zipPath string) (err error) {
	d.logger.Info("starting download", "source", src.Name, "dest", zipPath)

	if err := os.MkdirAll(filepath.Dir(zipPath), os.ModePerm); err != nil {
		return fmt.Errorf("error creating downloads dir: %w", err)
	}

	defer func() {
		if err != nil {
			if rmErr := os.Remove(zipPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.logger.Warn("unable to remove partial download", "path", zipPath, "error", rmErr)
			}
		}
	}()

	if src.IsS3() {
		err = d.downloadS3(ctx, src, zipPath)
	} else {
		err = d.downloadHTTP(ctx, src, zipPath)
	}
	if err != nil {
		return fmt.Errorf("error downloading '%s': %w", src.Name, err)
	}

	d.reportProgress(100)
	d.logger.Info("download complete", "source", src.Name)
	return nil
}

func (d *Downloader) downloadS3(ctx context.Context, src Source, zipPath string) error {
	if d.store == nil {
		return fmt.Errorf("no object store configured for %s", src.URL)
	}
	bucket, key, err := storage.ParseS3URL(src.URL)
	if err != nil {
		return err
	}
	if err := d.store.DownloadObject(ctx, bucket, key, zipPath); err != nil {
		return err
	}
	if info, err := os.Stat(zipPath); err == nil {
		d.metrics.RecordDownloadedBytes(src.Name, int(info.Size()))
	}
	return nil
}

func (d *Downloader) downloadHTTP(ctx context.Context, src Source, zipPath string) error {
	res, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(src.URL)
	if err != nil {
		return fmt.Errorf("error requesting source: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return fmt.Errorf("source returned status %d", res.StatusCode())
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("error creating zip file: %w", err)
	}
	defer f.Close()

	total := res.RawResponse.ContentLength
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(d.BarOutput),
		progressbar.OptionSetDescription(src.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	tracker := &progressTracker{total: total, report: d.reportProgress, last: -1}

	n, err := io.Copy(io.MultiWriter(f, bar, tracker), body)
	d.metrics.RecordDownloadedBytes(src.Name, int(n))
	if err != nil {
		return fmt.Errorf("error writing zip file: %w", err)
	}
	_ = bar.Finish()

	if total > 0 && n != total {
		return fmt.Errorf("incomplete download: got %d of %d bytes", n, total)
	}
	return f.Close()
}

func (d *Downloader) reportProgress(value int) {
	if d.Progress == nil {
		return
	}
	data, err := json.Marshal(ProgressEvent{Type: "progress", Value: value})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(d.Progress, string(data))
}

// progressTracker reports the percentage every time it reaches a new multiple
// of progressStep. Nothing is reported when the total size is unknown.
type progressTracker struct {
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progressTracker) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}

	pct := int(p.written * 100 / p.total)
	if step := pct - pct%progressStep; step > p.last && step < 100 {
		p.last = step
		p.report(step)
	}
	return len(b), nil
}
