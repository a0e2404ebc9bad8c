package fetch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ingestflow/importd/src/common/importerrors"
)

// DriveConfig configures the cloud-drive fetcher's three authentication
// modes, tried in priority order: refresh-token (OAuth), API key, then
// unauthenticated best-effort.
type DriveConfig struct {
	RefreshToken      string // OAuth refresh token; enables copy-then-delete mode
	OAuthClientID     string
	OAuthClientSecret string
	APIKey            string // enables signed metadata+media fetch mode
	MaxAttempts       int
	Timeout           time.Duration
}

// DefaultDriveConfig returns reasonable defaults.
func DefaultDriveConfig() DriveConfig {
	return DriveConfig{MaxAttempts: 3, Timeout: 2 * time.Hour}
}

var driveShareFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
}

// parseDriveFileID extracts a file id from a share URL, matching
// /file/d/<id>, open?id=<id>, uc?id=<id>, and uc?export=download&id=<id>.
func parseDriveFileID(shareURL string) (string, error) {
	for _, re := range driveShareFilePatterns {
		if m := re.FindStringSubmatch(shareURL); len(m) == 2 {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("could not extract a file id from %q", shareURL)
}

var driveConfirmTokenPattern = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
var driveConfirmHrefPattern = regexp.MustCompile(`href="(/uc\?export=download[^"]+)"`)

// videoMimePrefixes is the recognized video family used to reject
// non-video drive shares when metadata is available.
var videoMimePrefixes = []string{"video/"}

// DriveFetcher downloads a file shared from a cloud-drive service: a
// buffered temp-file download loop with progress callbacks, layered with a
// metadata probe and multi-mode auth.
type DriveFetcher struct {
	cfg    DriveConfig
	client *http.Client
}

// NewDriveFetcher constructs the cloud-drive fetcher.
func NewDriveFetcher(cfg DriveConfig) *DriveFetcher {
	defaults := DefaultDriveConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &DriveFetcher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type driveMetadata struct {
	Name     string
	MimeType string
	Size     int64
}

func (f *DriveFetcher) Fetch(ctx context.Context, in Input) (Result, error) {
	fileID, err := parseDriveFileID(in.SourceRef)
	if err != nil {
		return Result{}, importerrors.New(importerrors.KindSourceInvalid, err.Error())
	}

	meta, metaErr := f.fetchMetadata(ctx, fileID)
	if metaErr == nil {
		if !isRecognizedVideoMime(meta.MimeType) {
			return Result{}, importerrors.New(importerrors.KindSourceDenied, fmt.Sprintf("drive file mime %q is not a recognized video type", meta.MimeType))
		}
		if in.MaxFileSize > 0 && meta.Size > in.MaxFileSize {
			return Result{}, importerrors.New(importerrors.KindSizeExceeded, fmt.Sprintf("drive file size %d exceeds max %d", meta.Size, in.MaxFileSize))
		}
	}

	fileName := in.FileName
	if fileName == "" && meta != nil {
		fileName = meta.Name
	}
	if fileName == "" {
		fileName = fileID
	}

	switch {
	case f.cfg.RefreshToken != "":
		return f.fetchViaOAuthCopy(ctx, fileID, fileName, in)
	case f.cfg.APIKey != "":
		return f.fetchViaSignedAPIKey(ctx, fileID, fileName, in)
	default:
		return f.fetchUnauthenticated(ctx, fileID, fileName, in)
	}
}

func isRecognizedVideoMime(mimeType string) bool {
	if mimeType == "" {
		return true // no metadata available, can't refuse
	}
	for _, prefix := range videoMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// fetchMetadata best-effort-probes the drive's public metadata endpoint. A
// failure here is not fatal: the fetch proceeds without the pre-checks.
func (f *DriveFetcher) fetchMetadata(ctx context.Context, fileID string) (*driveMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://drive.google.com/uc?id=%s&export=download", fileID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("not found")
	}
	size := resp.ContentLength
	if size <= 0 {
		return nil, fmt.Errorf("no content-length available")
	}
	return &driveMetadata{MimeType: resp.Header.Get("Content-Type"), Size: size}, nil
}

// fetchViaOAuthCopy copies the shared file into the authenticated account to
// bypass per-file quota, downloads the copy, then deletes it in a
// guaranteed-cleanup scope. The copy's drive-side id is ephemeral and never
// persisted outside this call.
func (f *DriveFetcher) fetchViaOAuthCopy(ctx context.Context, fileID, fileName string, in Input) (Result, error) {
	accessToken, err := f.refreshAccessToken(ctx)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "oauth token refresh failed")
	}

	copyID, err := f.copyFile(ctx, accessToken, fileID)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "failed to copy drive file into authenticated account")
	}
	defer func() {
		if delErr := f.deleteFile(ctx, accessToken, copyID); delErr != nil {
			log.Warn("failed to delete drive copy after download", "copy_id", copyID, "error", delErr)
		}
	}()

	return f.downloadAuthenticated(ctx, accessToken, copyID, fileName, in)
}

func (f *DriveFetcher) refreshAccessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {f.cfg.OAuthClientID},
		"client_secret": {f.cfg.OAuthClientSecret},
		"refresh_token": {f.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://oauth2.googleapis.com/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}
	// The body is {"access_token": "...", ...}; the token value itself is
	// opaque to the rest of this fetcher.
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access_token")
	}
	return token.AccessToken, nil
}

func (f *DriveFetcher) copyFile(ctx context.Context, accessToken, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://www.googleapis.com/drive/v3/files/%s/copy", fileID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("copy returned status %d", resp.StatusCode)
	}
	var copied struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&copied); err != nil {
		return "", fmt.Errorf("decode copy response: %w", err)
	}
	if copied.ID == "" {
		return "", fmt.Errorf("copy response carried no file id")
	}
	return copied.ID, nil
}

func (f *DriveFetcher) deleteFile(ctx context.Context, accessToken, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("https://www.googleapis.com/drive/v3/files/%s", fileID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (f *DriveFetcher) downloadAuthenticated(ctx context.Context, accessToken, fileID, fileName string, in Input) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://www.googleapis.com/drive/v3/files/%s?alt=media", fileID), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return f.streamToDisk(ctx, req, fileName, in)
}

// signedRequestSignature derives a per-request HMAC-SHA256 signature from
// the configured API key using HKDF as the key-derivation step, so the raw
// API key is never used directly as a MAC key.
func (f *DriveFetcher) signedRequestSignature(fileID string, timestamp int64) (string, error) {
	kdf := hkdf.New(sha256.New, []byte(f.cfg.APIKey), nil, []byte("drive-fetch-signing"))
	signingKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, signingKey); err != nil {
		return "", fmt.Errorf("derive signing key: %w", err)
	}
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(fileID))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// fetchViaSignedAPIKey performs a signed metadata+media fetch using the
// configured API key.
func (f *DriveFetcher) fetchViaSignedAPIKey(ctx context.Context, fileID, fileName string, in Input) (Result, error) {
	timestamp := time.Now().Unix()
	sig, err := f.signedRequestSignature(fileID, timestamp)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "failed to sign drive request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://www.googleapis.com/drive/v3/files/%s?alt=media&key=%s", fileID, f.cfg.APIKey), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))
	return f.streamToDisk(ctx, req, fileName, in)
}

// fetchUnauthenticated follows the public "confirm large file" interstitial:
// if the first response is an HTML confirmation page rather than the file
// itself, scrape the confirm token or alternate href and retry.
func (f *DriveFetcher) fetchUnauthenticated(ctx context.Context, fileID, fileName string, in Input) (Result, error) {
	firstURL := fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, firstURL, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "drive request failed")
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/html") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		html := string(body)

		if href := driveConfirmHrefPattern.FindStringSubmatch(html); len(href) == 2 {
			confirmURL := "https://drive.google.com" + strings.ReplaceAll(href[1], "&amp;", "&")
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
			if err != nil {
				return Result{}, err
			}
			return f.streamResponse(ctx, req, fileName, in)
		}
		if tok := driveConfirmTokenPattern.FindStringSubmatch(html); len(tok) == 2 {
			confirmURL := fmt.Sprintf("%s&confirm=%s", firstURL, tok[1])
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
			if err != nil {
				return Result{}, err
			}
			return f.streamResponse(ctx, req, fileName, in)
		}
		return Result{}, importerrors.New(importerrors.KindSourceDenied, "drive share requires authentication and no credentials are configured")
	}

	return f.finishStream(ctx, resp, fileName, in)
}

func (f *DriveFetcher) streamToDisk(ctx context.Context, req *http.Request, fileName string, in Input) (Result, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "drive download request failed")
	}
	return f.finishStream(ctx, resp, fileName, in)
}

func (f *DriveFetcher) streamResponse(ctx context.Context, req *http.Request, fileName string, in Input) (Result, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "drive confirm-download request failed")
	}
	return f.finishStream(ctx, resp, fileName, in)
}

func (f *DriveFetcher) finishStream(ctx context.Context, resp *http.Response, fileName string, in Input) (Result, error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, importerrors.New(importerrors.KindSourceNotFound, "drive file not found")
	case resp.StatusCode == http.StatusForbidden:
		return Result{}, importerrors.New(importerrors.KindSourceDenied, "drive access denied")
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, importerrors.New(importerrors.KindSourceQuota, "drive quota exceeded")
	case resp.StatusCode >= 500:
		return Result{}, importerrors.New(importerrors.KindSourceUnavailable, fmt.Sprintf("drive returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Result{}, importerrors.New(importerrors.KindSourceInvalid, fmt.Sprintf("drive returned %d", resp.StatusCode))
	}

	tempFile, err := newTempFile(in.TempDir, fileName)
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer tempFile.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tempFile.Write(buf[:n]); werr != nil {
				return Result{}, fmt.Errorf("write temp file: %w", werr)
			}
			written += int64(n)
			if in.MaxFileSize > 0 && written > in.MaxFileSize {
				return Result{}, importerrors.New(importerrors.KindSizeExceeded, "observed drive download size exceeded max")
			}
			if in.Progress != nil {
				pct := 0.0
				if total > 0 {
					pct = float64(written) / float64(total) * 100
				}
				in.Progress(pct, "downloading", nil)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{}, importerrors.Wrap(readErr, importerrors.KindSourceUnavailable, "reading drive response body failed")
		}
	}
	if in.Progress != nil {
		in.Progress(100, "download complete", nil)
	}
	return Result{LocalPath: tempPath, FileName: fileName, Size: written}, nil
}
