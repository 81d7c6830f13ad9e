package siibra

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/julichbrain/atlas-export/atlas"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/nifti"
)

// remoteVolume is a NIfTI image served by the atlas service.
type remoteVolume struct {
	client *Client
	url    string
	name   string
}

var _ atlas.Volume = (*remoteVolume)(nil)

// Fetch downloads and decodes the volume. A volume without a NIfTI provider
// or answered with 404 is absent: nil, nil.
func (v *remoteVolume) Fetch(ctx context.Context) (*nifti.Image, error) {
	if v.url == "" {
		logging.Debug("Volume has no NIfTI provider", "volume", v.name)
		return nil, nil
	}

	body, status, err := v.client.fetch(ctx, "volume", v.url)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		logging.Warn("Volume not available", "volume", v.name, "url", v.url)
		return nil, nil
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("volume %s: unexpected status %d", v.url, status)
	}

	img, err := nifti.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", v.url, err)
	}
	return img, nil
}
