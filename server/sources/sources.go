package sources

// Package sources produces the images that we run detection on.
// Every function here is stateless: the filesystem is the only state.

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/iox"
	"github.com/cyclopcam/snapdetect/pkg/kibi"
)

// Where an image came from
type Kind string

const (
	KindUpload  Kind = "upload"
	KindDefault Kind = "default"
	KindInbox   Kind = "inbox"
	KindURL     Kind = "url"
)

// Captions shown under the source image
const (
	CaptionUploaded = "Uploaded Image"
	CaptionDefault  = "Default Image"
	CaptionURL      = "Uploaded Image from URL"
	CaptionInbox    = "Image from Telegram"
)

// Timeout of a URL fetch
const FetchTimeout = 30 * time.Second

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Image is a decoded source image, along with the file that it was read from
type Image struct {
	Kind    Kind        `json:"kind"`
	Name    string      `json:"name"`    // Base filename. Together with Kind, this identifies the file.
	Caption string      `json:"caption"` // eg "Uploaded Image"
	Origin  string      `json:"origin"`  // Original filename or URL
	Path    string      `json:"-"`       // Full path on disk
	Img     image.Image `json:"-"`
}

type Options struct {
	UploadDir    string
	InboxDir     string
	DefaultImage string
	MaxBytes     int64
	MaxDimension int
}

type Sources struct {
	log    logs.Log
	opt    Options
	client *http.Client
}

func NewSources(log logs.Log, opt Options) (*Sources, error) {
	for _, dir := range []string{opt.UploadDir, opt.InboxDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("Failed to create directory %v: %w", dir, err)
		}
	}
	return &Sources{
		log:    logs.NewPrefixLogger(log, "sources:"),
		opt:    opt,
		client: &http.Client{Timeout: FetchTimeout},
	}, nil
}

func (s *Sources) InboxDir() string {
	return s.opt.InboxDir
}

// Read at most MaxBytes from r
func (s *Sources) readLimited(source string, r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, s.opt.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > s.opt.MaxBytes {
		return nil, &ImageDecodeError{Source: source, Err: fmt.Errorf("Image is larger than %v", kibi.FormatBytes(s.opt.MaxBytes))}
	}
	return raw, nil
}

// Save raw bytes into the upload directory, under a unique name
func (s *Sources) saveUpload(origin, ext string, raw []byte) (string, error) {
	base := strings.TrimSuffix(filepath.Base(origin), filepath.Ext(origin))
	base = strings.Trim(unsafeNameChars.ReplaceAllString(base, "_"), "_.")
	if len(base) > 60 {
		base = base[:60]
	}
	name := fmt.Sprintf("%v", time.Now().UnixNano())
	if base != "" {
		name += "-" + base
	}
	name += ext
	if err := iox.WriteFileAtomic(filepath.Join(s.opt.UploadDir, name), raw); err != nil {
		return "", err
	}
	return name, nil
}

// FromUpload reads an uploaded file, and saves a copy into the upload directory.
// The filename's extension must be one of Extensions.
func (s *Sources) FromUpload(filename string, r io.Reader) (*Image, error) {
	if !IsSupportedExtension(filename) {
		return nil, &ImageDecodeError{Source: filename, Err: fmt.Errorf("%w. Allowed types are %v", ErrUnsupportedType, strings.Join(Extensions, ", "))}
	}
	raw, err := s.readLimited(filename, r)
	if err != nil {
		return nil, err
	}
	img, _, err := decodeImage(filename, raw, s.opt.MaxDimension)
	if err != nil {
		return nil, err
	}
	name, err := s.saveUpload(filename, strings.ToLower(filepath.Ext(filename)), raw)
	if err != nil {
		return nil, err
	}
	s.log.Infof("Upload %v saved as %v (%v)", filename, name, kibi.FormatBytes(int64(len(raw))))
	return &Image{
		Kind:    KindUpload,
		Name:    name,
		Caption: CaptionUploaded,
		Origin:  filename,
		Path:    filepath.Join(s.opt.UploadDir, name),
		Img:     img,
	}, nil
}

// Default returns the configured default image, which is used when nothing was uploaded
func (s *Sources) Default() (*Image, error) {
	if s.opt.DefaultImage == "" {
		return nil, errors.New("No default image configured")
	}
	raw, err := os.ReadFile(s.opt.DefaultImage)
	if err != nil {
		return nil, fmt.Errorf("Failed to read default image: %w", err)
	}
	img, _, err := decodeImage(s.opt.DefaultImage, raw, s.opt.MaxDimension)
	if err != nil {
		return nil, err
	}
	return &Image{
		Kind:    KindDefault,
		Name:    filepath.Base(s.opt.DefaultImage),
		Caption: CaptionDefault,
		Origin:  s.opt.DefaultImage,
		Path:    s.opt.DefaultImage,
		Img:     img,
	}, nil
}

// NewestInboxFile returns the name of the most recently modified image in the inbox directory.
// If two files have the same modification time, the lexically greater name wins.
// Returns ErrInboxEmpty if there are no images.
func (s *Sources) NewestInboxFile() (string, error) {
	return newestImageFile(s.opt.InboxDir)
}

func newestImageFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrInboxEmpty
		}
		return "", err
	}
	newest := ""
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !IsSupportedExtension(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Deleted between ReadDir and Info
			continue
		}
		mt := info.ModTime()
		if newest == "" || mt.After(newestTime) || (mt.Equal(newestTime) && e.Name() > newest) {
			newest = e.Name()
			newestTime = mt
		}
	}
	if newest == "" {
		return "", ErrInboxEmpty
	}
	return newest, nil
}

// Inbox loads an image from the inbox directory
func (s *Sources) Inbox(name string) (*Image, error) {
	if !isSafeName(name) || !IsSupportedExtension(name) {
		return nil, &ImageDecodeError{Source: name, Err: ErrUnsupportedType}
	}
	path := filepath.Join(s.opt.InboxDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := decodeImage(name, raw, s.opt.MaxDimension)
	if err != nil {
		return nil, err
	}
	return &Image{
		Kind:    KindInbox,
		Name:    name,
		Caption: CaptionInbox,
		Origin:  name,
		Path:    path,
		Img:     img,
	}, nil
}

// NewestInbox loads the newest image in the inbox directory
func (s *Sources) NewestInbox() (*Image, error) {
	name, err := s.NewestInboxFile()
	if err != nil {
		return nil, err
	}
	return s.Inbox(name)
}

// FromURL fetches an image with a blocking GET, and saves a copy into the upload directory.
// Transport failures and non-2xx replies are a NetworkError. A body that is not an image is an ImageDecodeError.
func (s *Sources) FromURL(ctx context.Context, url string) (*Image, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, &NetworkError{URL: url, Err: errors.New("Only http and https URLs are supported")}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	raw, err := s.readLimited(url, resp.Body)
	if err != nil {
		var derr *ImageDecodeError
		if errors.As(err, &derr) {
			return nil, err
		}
		return nil, &NetworkError{URL: url, Err: err}
	}
	img, format, err := decodeImage(url, raw, s.opt.MaxDimension)
	if err != nil {
		return nil, err
	}
	name, err := s.saveUpload("url", formatExtension(format), raw)
	if err != nil {
		return nil, err
	}
	s.log.Infof("Fetched %v (%v) as %v", url, kibi.FormatBytes(int64(len(raw))), name)
	return &Image{
		Kind:    KindURL,
		Name:    name,
		Caption: CaptionURL,
		Origin:  url,
		Path:    filepath.Join(s.opt.UploadDir, name),
		Img:     img,
	}, nil
}

// Path returns the file on disk of a source image that we produced earlier
func (s *Sources) Path(kind Kind, name string) (string, error) {
	if !isSafeName(name) {
		return "", fmt.Errorf("Invalid image name '%v'", name)
	}
	switch kind {
	case KindUpload, KindURL:
		return filepath.Join(s.opt.UploadDir, name), nil
	case KindInbox:
		return filepath.Join(s.opt.InboxDir, name), nil
	case KindDefault:
		if name != filepath.Base(s.opt.DefaultImage) {
			return "", fmt.Errorf("Invalid default image name '%v'", name)
		}
		return s.opt.DefaultImage, nil
	}
	return "", fmt.Errorf("Invalid image kind '%v'", kind)
}

func isSafeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}
