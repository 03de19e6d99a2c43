// Package download fetches objects addressed by a (typically signed) URL to
// a local file.
package download

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// Params ...
type Params struct {
	// URL addresses the object, usually a signed URL.
	URL string
	// DownloadPath is the destination file.
	DownloadPath string
	// Concurrency caps parallel range requests; zero lets the downloader
	// decide.
	Concurrency uint
}

// Download fetches the object at params.URL into params.DownloadPath.
func Download(ctx context.Context, params Params, logger log.Logger) error {
	if params.URL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if params.DownloadPath == "" {
		return fmt.Errorf("download path is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	logger.Debugf("Download object to %s", params.DownloadPath)
	return downloadFile(ctx, retryableHTTPClient.StandardClient(), params)
}

// createCustomRetryFunction retries on any transport error in addition to
// the default retryable statuses: ranged downloads surface mid-body
// failures as plain errors.
func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		if downloadErr != nil {
			logger.Debugf("CheckRetry: retrying after error: %+v", downloadErr)
			return true, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v", retry, err)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, params Params) error {
	downloader := got.New()
	downloader.Client = client

	d := got.NewDownload(ctx, params.URL, params.DownloadPath)
	if params.Concurrency > 0 {
		d.Concurrency = params.Concurrency
	}

	return downloader.Do(d)
}
