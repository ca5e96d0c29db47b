// Package archive is an optional cold-storage sink: it watches a cache's
// fragments as they arrive and uploads each completed object to Azure Blob
// Storage, for retention after the in-memory cache purges it. It never
// feeds data back into a cache; it only reads what has already been
// delivered, the same relationship the teacher's FLV recorder has to a
// live publish.
//
// Grounded on rockstar-0000-aistore's azure.go PutObj (build-tagged
// "azure" backend provider), the only example in the pack that drives
// azblob's upload path; adapted from its per-request NewClientWithShared
// KeyCredential + UploadStream call to a long-lived azblob.Client
// authenticated with azidentity, one upload per reassembled object
// instead of one per LOM.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/reassembly"
)

// Config controls whether and where completed objects are archived.
type Config struct {
	// ServiceURL is the blob service endpoint, e.g.
	// "https://<account>.blob.core.windows.net/".
	ServiceURL string
	// Container is the blob container objects are uploaded into. It must
	// already exist; archive never creates containers.
	Container string
}

// Sink uploads completed objects from attached caches to blob storage.
type Sink struct {
	client    *azblob.Client
	container string
	log       *slog.Logger

	mu           sync.Mutex
	reassemblers map[string]*reassembly.Reassembler
}

// NewSink builds a Sink authenticated via the ambient Azure credential
// chain (environment, managed identity, CLI login — see azidentity's
// DefaultAzureCredential).
func NewSink(cfg Config, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.ServiceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: client: %w", err)
	}
	return &Sink{
		client:       client,
		container:    cfg.Container,
		log:          log,
		reassemblers: make(map[string]*reassembly.Reassembler),
	}, nil
}

// Attach starts archiving url's cache: every whole object the cache
// completes is uploaded as one blob. Calling Attach twice for the same url
// replaces the previous reassembler.
func (s *Sink) Attach(url string, cache *fragment.Cache) {
	consumer := &objectCollector{sink: s, url: url}
	r := reassembly.New(cache, consumer)

	s.mu.Lock()
	if existing, ok := s.reassemblers[url]; ok {
		existing.Close()
	}
	s.reassemblers[url] = r
	s.mu.Unlock()
}

// Detach stops archiving url, releasing its reassembler.
func (s *Sink) Detach(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reassemblers[url]; ok {
		r.Close()
		delete(s.reassemblers, url)
	}
}

func (s *Sink) blobName(url string, groupID, objectID uint64) string {
	safe := strings.ReplaceAll(strings.TrimPrefix(url, "/"), "/", "_")
	return fmt.Sprintf("%s/%020d-%020d", safe, groupID, objectID)
}

func (s *Sink) upload(url string, groupID, objectID uint64, data []byte) {
	name := s.blobName(url, groupID, objectID)
	_, err := s.client.UploadBuffer(context.Background(), s.container, name, data, &azblob.UploadBufferOptions{})
	if err != nil {
		s.log.Warn("archive upload failed", "url", url, "blob", name, "error", err)
		return
	}
	s.log.Debug("archived object", "url", url, "blob", name, "bytes", len(data))
}

// objectCollector buffers one in-flight object's fragments and hands the
// assembled bytes to the sink when isLastFragment arrives.
type objectCollector struct {
	sink *Sink
	url  string

	buf              bytes.Buffer
	curGroup, curObj uint64
	haveCurrent      bool
}

func (o *objectCollector) OnFragment(groupID, objectID, offset uint64, data []byte, isLastFragment bool) {
	if !o.haveCurrent || groupID != o.curGroup || objectID != o.curObj {
		o.buf.Reset()
		o.curGroup, o.curObj = groupID, objectID
		o.haveCurrent = true
	}
	o.buf.Write(data)
	if isLastFragment {
		out := make([]byte, o.buf.Len())
		copy(out, o.buf.Bytes())
		o.sink.upload(o.url, groupID, objectID, out)
		o.buf.Reset()
		o.haveCurrent = false
	}
}

func (o *objectCollector) OnFinal(groupID, objectID uint64) {}

func (o *objectCollector) OnClose() {}
