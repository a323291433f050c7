// Package backend talks to the room API of the signaling server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/models"
)

var log = logging.Logger("backend")

// APIError is a non-2xx answer from the room API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// Client calls the room API. Login stores the user token for the calls
// that need it.
type Client struct {
	baseURL string
	client  *http.Client
	token   string
	userID  string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// UserID returns the user logged in as, or "".
func (c *Client) UserID() string { return c.userID }

func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	c.userID = resp.UserID
	log.Infof("Logged in as %s", resp.UserID)
	return nil
}

// CreateRoom opens a room with the logged-in user as caller.
func (c *Client) CreateRoom(ctx context.Context, calleeID string) (*models.CreateRoomResponse, error) {
	var resp models.CreateRoomResponse
	req := models.CreateRoomRequest{CalleeID: calleeID}
	if err := c.do(ctx, http.MethodPost, "/api/rooms", req, &resp); err != nil {
		return nil, err
	}
	log.Infof("Created room %s (code %s)", resp.RoomID, resp.Code)
	return &resp, nil
}

// GetRoom looks a room up by ID or code.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	var room models.RoomMetadata
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinToken fetches the signaling token and the role the room assigns us.
func (c *Client) JoinToken(ctx context.Context, roomID string) (*models.JoinTokenResponse, error) {
	var resp models.JoinTokenResponse
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "/token"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) EndRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	var room models.RoomMetadata
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "/end"), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func roomPath(roomID, suffix string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&payload)
		log.Debugf("%s %s: %d %s", method, path, resp.StatusCode, payload.Error)
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
