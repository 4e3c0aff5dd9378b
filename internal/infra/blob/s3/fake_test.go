package s3

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 is an http.RoundTripper emulating the path-style object API subset the
// store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

var fakeModified = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newFakeStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	store, err := New(context.Background(), Config{
		Bucket:          "artifacts",
		Endpoint:        "https://s3.fake.local",
		PathStyle:       true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, fake
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, key, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound, "", nil), nil
		}
		header := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"` + fmt.Sprintf("%x", len(obj.body)) + `"`},
			"Last-Modified":  {obj.modified.Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			header.Set("X-Amz-Meta-"+k, v)
		}
		if req.Method == http.MethodHead {
			resp := response(http.StatusOK, "", header)
			resp.ContentLength = int64(len(obj.body))
			return resp, nil
		}
		return response(http.StatusOK, string(obj.body), header), nil
	case http.MethodPut:
		if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return response(http.StatusPreconditionFailed, "", nil), nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			if body, err = decodeAWSChunked(body); err != nil {
				return response(http.StatusBadRequest, "", nil), nil
			}
		}
		metadata := map[string]string{}
		for name, values := range req.Header {
			if rest, ok := strings.CutPrefix(strings.ToLower(name), "x-amz-meta-"); ok {
				metadata[rest] = values[0]
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: metadata, modified: fakeModified}
		f.puts++
		return response(http.StatusOK, "", http.Header{"Etag": {`"put"`}}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, "", nil), nil
	}
	return response(http.StatusNotImplemented, "", nil), nil
}

func (f *fakeS3) list(prefix string) *http.Response {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;x&quot;</ETag><LastModified>%s</LastModified></Contents>",
			k, len(f.objects[k].body), fakeModified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return response(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeAWSChunked strips aws-chunked framing: <hex size>[;ext]\r\n<data>\r\n ... 0\r\n[trailers]\r\n.
func decodeAWSChunked(raw []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, err
		}
		if _, err := r.Discard(2); err != nil {
			return nil, err
		}
	}
}
