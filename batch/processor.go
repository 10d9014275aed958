// Package batch blurs license plates in every image of a zip archive, skipping entries it
// cannot handle safely and reporting them instead of failing the whole run.
package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/codec"
	"github.com/Tutortoise/plate-privacy-service/models"
	"github.com/Tutortoise/plate-privacy-service/redact"
)

const (
	ReportName   = "processing_report.txt"
	DownloadName = "blurred_images.zip"

	DefaultMaxArchiveBytes = 100 << 20
	DefaultMaxEntryBytes   = 50 << 20
	DefaultKernel          = 91
)

// Detector is the part of detections.Pipeline the processor needs.
type Detector interface {
	Detect(ctx context.Context, img image.Image, th models.Thresholds, timings *models.ProcessingTimings) ([]models.Detection, error)
}

type Config struct {
	Thresholds models.Thresholds
	KernelSize int
	// SizeLimit bounds the compressed archive; MaxEntryBytes bounds each decompressed entry.
	SizeLimit     int64
	MaxEntryBytes int64
	MaxPixels     int64
	Workers       int
	Quality       int
}

type Processor struct {
	detector Detector
	cfg      Config
	log      logrus.FieldLogger
}

type Result struct {
	Archive []byte
	Report  models.BatchReport
}

// entryJob is an entry that passed the path, type and size checks.
type entryJob struct {
	index  int
	name   string
	format codec.Format
	data   []byte
}

// entryResult is the outcome for one archive entry: output bytes or a skip record.
// renamed marks output whose extension was rewritten for a re-encoded format.
type entryResult struct {
	ignored    bool
	renamed    bool
	name       string
	data       []byte
	detections int
	skip       *models.SkipRecord
}

func NewProcessor(detector Detector, cfg Config, log logrus.FieldLogger) (*Processor, error) {
	if detector == nil {
		return nil, models.ErrModelUnavailable
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, models.Wrap(models.ErrConfiguration, err, "batch thresholds")
	}
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = DefaultMaxArchiveBytes
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = codec.DefaultMaxPixels
	}
	if cfg.KernelSize <= 0 {
		cfg.KernelSize = DefaultKernel
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Quality <= 0 {
		cfg.Quality = codec.DefaultQuality
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{detector: detector, cfg: cfg, log: log}, nil
}

func (p *Processor) SizeLimit() int64 {
	return p.cfg.SizeLimit
}

// ReadArchive reads at most limit bytes from r and fails with ErrArchiveTooLarge as soon as
// the stream turns out to be longer.
func ReadArchive(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidInput, err, "read archive")
	}
	if int64(len(data)) > limit {
		return nil, models.WithSentinel(models.ErrArchiveTooLarge, fmt.Errorf("limit is %d bytes", limit))
	}
	return data, nil
}

// Process blurs plates in every image entry of archive and returns a new archive holding
// the processed images plus a report entry. Only an oversized or unreadable container, an
// unavailable detector or a cancelled ctx fail the run.
func (p *Processor) Process(ctx context.Context, archive []byte) (*Result, error) {
	if p == nil || p.detector == nil {
		return nil, models.ErrModelUnavailable
	}
	if int64(len(archive)) > p.cfg.SizeLimit {
		return nil, models.WithSentinel(models.ErrArchiveTooLarge,
			fmt.Errorf("%d bytes, limit is %d", len(archive), p.cfg.SizeLimit))
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	// Non-local names are skipped entry by entry by SanitizePath.
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, models.WithSentinel(models.ErrInvalidArchive, err)
	}

	start := time.Now()
	results := make([]entryResult, len(zr.File))
	jobs := make(chan entryJob, p.cfg.Workers)

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results[job.index] = p.processImage(ctx, job)
			}
		}()
	}

	for i, f := range zr.File {
		if ctx.Err() != nil {
			break
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			results[i] = entryResult{ignored: true}
			continue
		}

		job, err := p.readEntry(i, f)
		if err != nil {
			results[i] = skipped(f.Name, err)
			continue
		}
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := p.assemble(results)
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"entries":   len(zr.File),
		"processed": res.Report.Processed,
		"skipped":   res.Report.Skipped,
		"duration":  time.Since(start),
	}).Info("archive processed")

	return res, nil
}

func (p *Processor) readEntry(index int, f *zip.File) (entryJob, error) {
	name, err := SanitizePath(f.Name)
	if err != nil {
		return entryJob{}, err
	}

	format, ok := codec.FormatFromExt(name)
	if !ok {
		return entryJob{}, models.Wrap(models.ErrUnsupportedEntry, nil, "extension %q is not an accepted image type", path.Ext(name))
	}

	if f.UncompressedSize64 > uint64(p.cfg.MaxEntryBytes) {
		return entryJob{}, models.Wrap(models.ErrInvalidInput, nil, "entry expands to %d bytes, limit is %d", f.UncompressedSize64, p.cfg.MaxEntryBytes)
	}

	rc, err := f.Open()
	if err != nil {
		return entryJob{}, models.Wrap(models.ErrInvalidInput, err, "open entry")
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxEntryBytes+1))
	if err != nil {
		return entryJob{}, models.Wrap(models.ErrInvalidInput, err, "read entry")
	}
	if int64(len(data)) > p.cfg.MaxEntryBytes {
		return entryJob{}, models.Wrap(models.ErrInvalidInput, nil, "entry exceeds %d bytes", p.cfg.MaxEntryBytes)
	}

	return entryJob{index: index, name: name, format: format, data: data}, nil
}

func (p *Processor) processImage(ctx context.Context, job entryJob) entryResult {
	img, _, err := codec.DecodeLimit(job.data, p.cfg.MaxPixels)
	if err != nil {
		return skipped(job.name, err)
	}

	dets, err := p.detector.Detect(ctx, img, p.cfg.Thresholds, &models.ProcessingTimings{RequestID: job.name})
	if err != nil {
		return skipped(job.name, err)
	}

	blurred := redact.BlurRegions(img, dets, p.cfg.KernelSize)

	data, err := codec.Encode(blurred, job.format, p.cfg.Quality)
	if err != nil {
		return skipped(job.name, err)
	}

	name, renamed := job.name, false
	if codec.EncodedFormat(job.format) != job.format {
		name = strings.TrimSuffix(name, path.Ext(name)) + codec.FormatJPEG.Ext()
		renamed = true
	}

	p.log.WithFields(logrus.Fields{
		"entry":      job.name,
		"detections": len(dets),
	}).Debug("entry blurred")

	return entryResult{name: name, renamed: renamed, data: data, detections: len(dets)}
}

func (p *Processor) assemble(results []entryResult) (*Result, error) {
	report := models.BatchReport{
		Thresholds: p.cfg.Thresholds,
		KernelSize: redact.NormalizeKernel(p.cfg.KernelSize),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := outputNames(results)

	for i, r := range results {
		switch {
		case r.ignored:
			continue
		case r.skip != nil:
			report.Skipped++
			report.Skips = append(report.Skips, *r.skip)
		default:
			name := names[i]
			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:     name,
				Method:   zip.Store,
				Modified: time.Now(),
			})
			if err != nil {
				return nil, fmt.Errorf("create entry %s: %w", name, err)
			}
			if _, err := w.Write(r.data); err != nil {
				return nil, fmt.Errorf("write entry %s: %w", name, err)
			}
			report.Processed++
		}
	}

	w, err := zw.Create(ReportName)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	if _, err := io.WriteString(w, report.String()); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	return &Result{Archive: buf.Bytes(), Report: report}, nil
}

func skipped(name string, err error) entryResult {
	return entryResult{skip: &models.SkipRecord{Path: name, Reason: err.Error()}}
}

// outputNames assigns archive names to processed entries. Entries written under their own
// path claim their names first; only entries renamed to .jpg take a _N suffix on collision.
func outputNames(results []entryResult) []string {
	names := make([]string, len(results))
	used := map[string]bool{ReportName: true}
	for _, renamedPass := range []bool{false, true} {
		for i, r := range results {
			if r.ignored || r.skip != nil || r.renamed != renamedPass {
				continue
			}
			names[i] = uniqueName(used, r.name)
		}
	}
	return names
}

// uniqueName returns name, or name with a _N suffix when an earlier entry already took it.
func uniqueName(used map[string]bool, name string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
