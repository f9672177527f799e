package telegram

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// MediaResolver turns file ids into URLs served by this bot's download
// proxy. The proxy hides the bot token, which the Bot API file URL
// would otherwise expose to the inference provider.
type MediaResolver struct {
	client       *Client
	downloadBase string
}

// NewMediaResolver returns a resolver producing URLs under
// downloadBase (for example https://bot.example.com/download).
func NewMediaResolver(c *Client, downloadBase string) *MediaResolver {
	return &MediaResolver{client: c, downloadBase: strings.TrimRight(downloadBase, "/")}
}

// ResolveMediaURL looks up fileID and returns its public proxy URL.
func (m *MediaResolver) ResolveMediaURL(ctx context.Context, fileID string) (string, error) {
	f, err := m.client.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	// file_path is "<type>/<name>", matching /download/{type}/{path}.
	segments := strings.Split(f.FilePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	if len(segments) != 2 {
		return "", fmt.Errorf("telegram: unexpected file_path %q", f.FilePath)
	}
	return m.downloadBase + "/" + strings.Join(segments, "/"), nil
}
