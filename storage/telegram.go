package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	// telegramUploadLimit is the Bot API limit for sendDocument.
	telegramUploadLimit = 50 << 20
)

// TelegramConfig configures a bot that stores files as documents in a chat.
type TelegramConfig struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`
	APIBase  string `json:"apiBase"`
}

// TelegramAdapter stores files as documents posted to a chat. The returned
// path is the Bot API file_id. The chat has no folder tree and messages are
// never removed, so folder operations are virtual and delete, move and copy
// are unsupported.
type TelegramAdapter struct {
	sourceInfo
	client  *http.Client
	apiBase string
	token   string
	chatID  string
}

func NewTelegramAdapter(desc interfaces.SourceDescriptor, cfg TelegramConfig, client *http.Client, log *slog.Logger) (*TelegramAdapter, error) {
	if err := requireFields(desc.Kind,
		"botToken", cfg.BotToken,
		"chatId", cfg.ChatID); err != nil {
		return nil, err
	}
	apiBase := strings.TrimSuffix(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	if _, err := url.ParseRequestURI(apiBase); err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "apiBase", Message: err.Error()}
	}
	return &TelegramAdapter{
		sourceInfo: newSourceInfo(desc, log),
		client:     client,
		apiBase:    apiBase,
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
	}, nil
}

func (b *TelegramAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{VirtualFolders: true}
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

type telegramFile struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
	MimeType     string `json:"mime_type"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	Date      int64        `json:"date"`
	Document  telegramFile `json:"document"`
}

func (b *TelegramAdapter) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
}

// call performs one Bot API request and decodes its result into out.
func (b *TelegramAdapter) call(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	var body telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if mapped := interfaces.ErrorForStatus(resp.StatusCode); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !body.OK {
		code := body.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		if mapped := interfaces.ErrorForStatus(code); mapped != nil {
			return fmt.Errorf("%w: %s", mapped, body.Description)
		}
		return fmt.Errorf("telegram error %d: %s", code, body.Description)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body.Result, out)
}

func (b *TelegramAdapter) get(ctx context.Context, method string, query url.Values, out any) error {
	u := b.methodURL(method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return b.call(req, out)
}

// Connect checks that the bot can see the target chat.
func (b *TelegramAdapter) Connect(ctx context.Context) error {
	if err := b.get(ctx, "getChat", url.Values{"chat_id": {b.chatID}}, nil); err != nil {
		return b.fail("connect", "", err)
	}
	return nil
}

func (b *TelegramAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *TelegramAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, func(ctx context.Context) error {
		return b.get(ctx, "getMe", nil, nil)
	})
}

func (b *TelegramAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	logical := joinPath(folder, obj.Name)
	if obj.Size() > telegramUploadLimit {
		return b.uploadFailed(logical, start, fmt.Errorf("%w: %d bytes exceeds the 50MB bot upload limit",
			interfaces.ErrCapacityExhausted, obj.Size())), nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", b.chatID)
	_ = mw.WriteField("caption", logical)
	part, err := mw.CreateFormFile("document", obj.Name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(obj.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendDocument"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg telegramMessage
	if err := b.call(req, &msg); err != nil {
		return b.uploadFailed(logical, start, err), nil
	}
	if msg.Document.FileID == "" {
		return b.uploadFailed(logical, start, fmt.Errorf("response carries no document")), nil
	}

	return b.uploaded(&interfaces.UploadResult{
		Success: true,
		Path:    msg.Document.FileID,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
		Metadata: map[string]string{
			"messageId":    strconv.FormatInt(msg.MessageID, 10),
			"fileUniqueId": msg.Document.FileUniqueID,
			"logicalPath":  logical,
		},
	}, start), nil
}

func (b *TelegramAdapter) getFile(ctx context.Context, fileID string) (*telegramFile, error) {
	var f telegramFile
	if err := b.get(ctx, "getFile", url.Values{"file_id": {fileID}}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (b *TelegramAdapter) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := b.download(ctx, fileID)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", fileID, err)
	}
	return rc, nil
}

func (b *TelegramAdapter) download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f, err := b.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("%w: file has no download path", interfaces.ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", b.apiBase, b.token, f.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}
	if mapped := interfaces.ErrorForStatus(resp.StatusCode); mapped != nil {
		resp.Body.Close()
		return nil, mapped
	}
	return resp.Body, nil
}

func (b *TelegramAdapter) Stat(ctx context.Context, fileID string) (*interfaces.FileInfo, error) {
	f, err := b.getFile(ctx, fileID)
	if err != nil {
		return nil, b.fail("stat", fileID, err)
	}
	return &interfaces.FileInfo{
		Name: f.FileName,
		Path: fileID,
		Size: f.FileSize,
		Hash: f.FileUniqueID,
	}, nil
}

func (b *TelegramAdapter) Delete(ctx context.Context, p string) error {
	return b.unsupported("delete")
}

func (b *TelegramAdapter) Move(ctx context.Context, from, to string) error {
	return b.unsupported("move")
}

func (b *TelegramAdapter) Copy(ctx context.Context, from, to string) error {
	return b.unsupported("copy")
}

func (b *TelegramAdapter) CreateFolder(ctx context.Context, p string) error {
	return nil
}

func (b *TelegramAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	return false, nil
}

func (b *TelegramAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	return interfaces.NewFolderListing(nil, nil), nil
}

func (b *TelegramAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	return b.unsupported("delete-folder")
}

func (b *TelegramAdapter) MoveFolder(ctx context.Context, from, to string) error {
	return b.unsupported("move-folder")
}
