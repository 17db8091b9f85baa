package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"livechat-relay/internal/model"
)

const (
	defaultYouTubeBaseURL = "https://www.googleapis.com/youtube/v3"
	googleTokenURL        = "https://oauth2.googleapis.com/token"
	googleAuthURL         = "https://accounts.google.com/o/oauth2/auth"
	maxPageResults        = 100
)

type YouTubeClientOptions struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// YouTubeClient talks to the YouTube Data API v3 over plain REST. Access
// tokens are refreshed through oauth2 using the refresh token carried in the
// per-connection credentials.
type YouTubeClient struct {
	baseURL    string
	oauthConf  *oauth2.Config
	httpClient *http.Client
}

func NewYouTubeClient(opts YouTubeClientOptions) *YouTubeClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultYouTubeBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &YouTubeClient{
		baseURL: baseURL,
		oauthConf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: googleTokenURL},
		},
		httpClient: httpClient,
	}
}

func (c *YouTubeClient) authedClient(ctx context.Context, creds model.Credentials) *http.Client {
	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
	}
	if creds.ExpiryDate > 0 {
		token.Expiry = time.UnixMilli(creds.ExpiryDate)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, c.oauthConf.TokenSource(ctx, token))
}

func (c *YouTubeClient) get(ctx context.Context, creds model.Credentials, path string, params url.Values, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.authedClient(ctx, creds).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("youtube %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("youtube %s: decode: %w", path, err)
	}
	return body, nil
}

type broadcastList struct {
	Items []struct {
		Snippet struct {
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
			LiveChatID  string `json:"liveChatId"`
		} `json:"snippet"`
	} `json:"items"`
}

// ResolveActiveRoom picks the caller's most recently published broadcast that
// carries a live chat id. PublishedAt is RFC 3339, so the string comparison
// orders correctly; equal timestamps resolve to the smaller liveChatId.
func (c *YouTubeClient) ResolveActiveRoom(ctx context.Context, creds model.Credentials) (string, error) {
	params := url.Values{}
	params.Set("part", "snippet,contentDetails,status")
	params.Set("broadcastType", "all")
	params.Set("mine", "true")

	var list broadcastList
	if _, err := c.get(ctx, creds, "/liveBroadcasts", params, &list); err != nil {
		return "", err
	}
	if len(list.Items) == 0 {
		return "", ErrNoRoom
	}

	best := list.Items[0]
	for _, item := range list.Items[1:] {
		if item.Snippet.LiveChatID == "" {
			continue
		}
		switch {
		case best.Snippet.LiveChatID == "":
			best = item
		case item.Snippet.PublishedAt > best.Snippet.PublishedAt:
			best = item
		case item.Snippet.PublishedAt == best.Snippet.PublishedAt &&
			item.Snippet.LiveChatID < best.Snippet.LiveChatID:
			best = item
		}
	}
	if best.Snippet.LiveChatID == "" {
		return "", ErrNoRoom
	}
	return best.Snippet.LiveChatID, nil
}

type messageList struct {
	Items                 []json.RawMessage `json:"items"`
	NextPageToken         string            `json:"nextPageToken"`
	PollingIntervalMillis int64             `json:"pollingIntervalMillis"`
}

func (c *YouTubeClient) FetchPage(ctx context.Context, creds model.Credentials, livechatID, pageToken string) (*Page, error) {
	params := url.Values{}
	params.Set("liveChatId", livechatID)
	params.Set("part", "snippet,authorDetails")
	params.Set("maxResults", fmt.Sprint(maxPageResults))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var list messageList
	raw, err := c.get(ctx, creds, "/liveChat/messages", params, &list)
	if err != nil {
		return nil, err
	}
	if list.Items == nil {
		return nil, nil
	}
	return &Page{
		Items:                 list.Items,
		NextPage:              list.NextPageToken,
		PollingIntervalMillis: list.PollingIntervalMillis,
		Raw:                   raw,
	}, nil
}
