package pipeline

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// gzipLevel is the fixed compression level for capture artifacts.
const gzipLevel = 6

// ArtifactRecord describes one durably uploaded capture artifact. Records
// are immutable once emitted and form the webhook manifest payload.
type ArtifactRecord struct {
	Key       string `json:"key"`
	BlobName  string `json:"blob_name"`
	SASURL    string `json:"sas_url"`
	SASExpiry string `json:"sas_expiry"`
	SizeBytes int64  `json:"size_bytes"`
}

// BlobStore abstracts the durable store. The production implementation is
// Azure Blob Storage (internal/storage); tests substitute a fake.
type BlobStore interface {
	// Upload stores the file at localPath under blobName, overwriting any
	// prior object of the same name.
	Upload(ctx context.Context, blobName, localPath string) error
	// SignedURL returns a read-only URL for blobName valid until expiry.
	SignedURL(blobName string, expiry time.Time) (string, error)
}

// Result collects the outcome of one run's pipeline pass.
type Result struct {
	Records []ArtifactRecord
	// Failed holds base names of capture files whose compression or
	// upload failed; they are reported, never silently dropped.
	Failed []string
}

// Pipeline compresses, uploads, and signs the raw capture files of a run.
type Pipeline struct {
	dir         string
	store       BlobStore
	sasValidity time.Duration
	now         func() time.Time
}

func New(dir string, store BlobStore, sasValidity time.Duration) *Pipeline {
	return &Pipeline{dir: dir, store: store, sasValidity: sasValidity, now: time.Now}
}

// Process locates every raw capture file belonging to runID, in sorted
// order, and runs each through compress, upload, delete, sign. A failure in
// one file aborts only that file's iteration.
func (p *Pipeline) Process(ctx context.Context, runID string) Result {
	matches, err := filepath.Glob(filepath.Join(p.dir, runID+"-*.pcap"))
	if err != nil {
		log.Printf("[upload] failed to enumerate captures for run %s: %v", runID, err)
		return Result{}
	}
	sort.Strings(matches)

	var res Result
	for _, raw := range matches {
		rec, err := p.processFile(ctx, runID, raw)
		if err != nil {
			log.Printf("[upload] %s failed: %v", filepath.Base(raw), err)
			res.Failed = append(res.Failed, filepath.Base(raw))
			continue
		}
		log.Printf("[upload] %s done (%d bytes)", rec.BlobName, rec.SizeBytes)
		res.Records = append(res.Records, rec)
	}
	return res
}

func (p *Pipeline) processFile(ctx context.Context, runID, rawPath string) (ArtifactRecord, error) {
	gzPath := rawPath + ".gz"
	log.Printf("[upload] compressing %s", filepath.Base(rawPath))
	if err := compressFile(rawPath, gzPath); err != nil {
		return ArtifactRecord{}, fmt.Errorf("compress: %v", err)
	}
	// The raw file is not needed once compressed.
	if err := os.Remove(rawPath); err != nil {
		log.Printf("[upload] failed to delete raw file %s: %v", rawPath, err)
	}

	info, err := os.Stat(gzPath)
	if err != nil {
		return ArtifactRecord{}, fmt.Errorf("stat: %v", err)
	}

	blobName := runID + "/" + filepath.Base(gzPath)
	log.Printf("[upload] uploading %s (%dKB)", blobName, info.Size()/1024)
	if err := p.store.Upload(ctx, blobName, gzPath); err != nil {
		return ArtifactRecord{}, fmt.Errorf("upload: %v", err)
	}
	// Durability is the blob store's problem from here on.
	if err := os.Remove(gzPath); err != nil {
		log.Printf("[upload] failed to delete local gzip %s: %v", gzPath, err)
	}

	expiry := p.now().UTC().Add(p.sasValidity)
	url, err := p.store.SignedURL(blobName, expiry)
	if err != nil {
		return ArtifactRecord{}, fmt.Errorf("sign: %v", err)
	}

	return ArtifactRecord{
		Key:       strings.TrimSuffix(filepath.Base(gzPath), ".gz"),
		BlobName:  blobName,
		SASURL:    url,
		SASExpiry: expiry.Format(time.RFC3339),
		SizeBytes: info.Size(),
	}, nil
}

// compressFile gzips src into dst at the fixed level.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gw, err := gzip.NewWriterLevel(out, gzipLevel)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
