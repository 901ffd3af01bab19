// Package telegram wraps the Bot API operations the pipeline needs:
// send/edit/delete messages, send documents, download media.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/telescribe/telescribe/config"
)

// Client represents the Telegram Bot API client.
type Client struct {
	bot  *tgbotapi.BotAPI
	http *http.Client
}

// New creates a Bot API client from configuration.
func New(cfg *config.Telegram) (*Client, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	return &Client{
		bot:  bot,
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Username returns the authorized bot username.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// SendMessage sends an HTML-formatted message and returns its id.
func (c *Client) SendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

// EditMessage replaces the text of an existing message. An edit with
// unchanged content is not an error.
func (c *Client) EditMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML

	if _, err := c.bot.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("failed to edit message %d: %w", messageID, err)
	}
	return nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(chatID int64, messageID int) error {
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	return nil
}

// SendDocument uploads a named document with an optional caption.
func (c *Client) SendDocument(chatID int64, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{
		Name:   filename,
		Reader: bytes.NewReader(data),
	})
	doc.Caption = caption

	if _, err := c.bot.Send(doc); err != nil {
		return fmt.Errorf("failed to send document %s: %w", filename, err)
	}
	return nil
}

// DownloadFile fetches a Telegram file by its file id into a temp
// file. The caller owns the returned path and must remove it.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("failed to resolve file %s: %w", fileID, err)
	}

	url := file.Link(c.bot.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download file %s: status %d", fileID, resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "telescribe-dl-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	return tmp.Name(), nil
}
