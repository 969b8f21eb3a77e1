package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTelegramAPI serves scripted update batches, then an optional error,
// then empty polls.
type fakeTelegramAPI struct {
	mu      sync.Mutex
	batches [][]tgbotapi.Update
	pollErr error
	offsets []int
	sent    []tgbotapi.Chattable
	sendErr error
}

func (f *fakeTelegramAPI) GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, config.Offset)
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	err := f.pollErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	time.Sleep(time.Millisecond)
	return nil, nil
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegramAPI) GetFileDirectURL(fileID string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeTelegramAPI) seenOffsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.offsets...)
}

func newTestTelegramSocket(t *testing.T, api *fakeTelegramAPI, authErr error) (*TelegramSocket, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	d := NewTelegramDialer(TelegramConfig{Token: "123456:ABCDEF-token", PollTimeout: time.Second})
	d.newAPI = func(token string, client tgbotapi.HTTPClient) (TelegramAPI, tgbotapi.User, error) {
		if authErr != nil {
			return nil, tgbotapi.User{}, authErr
		}
		return api, tgbotapi.User{ID: 42, UserName: "miau_bot", IsBot: true}, nil
	}
	sock, err := d.Dial(context.Background(), connection.DialOptions{Listener: rec.listen})
	require.NoError(t, err)
	ts := sock.(*TelegramSocket)
	t.Cleanup(func() { _ = ts.Close(context.Background()) })
	return ts, rec
}

func textUpdate(id int, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id * 10,
			Date:      1700000000,
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			From:      &tgbotapi.User{ID: 7, FirstName: "Ana"},
			Text:      text,
		},
	}
}

func TestTelegramSocket_OpenAndPoll(t *testing.T) {
	api := &fakeTelegramAPI{batches: [][]tgbotapi.Update{
		{textUpdate(5, 100, "/help"), textUpdate(6, 100, "hi")},
		{textUpdate(7, -200, "/whoami")},
	}}
	sock, rec := newTestTelegramSocket(t, api, nil)

	require.NoError(t, sock.Open(context.Background()))
	assert.Equal(t, "42", sock.SelfID())

	events := rec.waitLen(t, 3)
	assert.Equal(t, connection.EventOpen{}, events[0])

	first := events[1].(connection.EventMessages).Messages
	require.Len(t, first, 2)
	assert.Equal(t, "/help", first[0].Text)
	assert.Equal(t, "100", first[0].Chat)
	assert.Equal(t, "7", first[0].Sender)
	assert.Equal(t, "Ana", first[0].PushName)
	assert.Equal(t, "50", first[0].ID)

	second := events[2].(connection.EventMessages).Messages
	assert.Equal(t, "-200", second[0].Chat)

	offsets := api.seenOffsets()
	require.GreaterOrEqual(t, len(offsets), 3)
	assert.Equal(t, []int{0, 7, 8}, offsets[:3])
}

func TestTelegramSocket_PollFailureEmitsClosed(t *testing.T) {
	api := &fakeTelegramAPI{pollErr: &tgbotapi.Error{Code: 409, Message: "Conflict: terminated by other getUpdates request"}}
	sock, rec := newTestTelegramSocket(t, api, nil)

	require.NoError(t, sock.Open(context.Background()))
	events := rec.waitLen(t, 2)

	closed, ok := events[1].(connection.EventClosed)
	require.True(t, ok)
	assert.Equal(t, connection.StatusConnectionReplaced, closed.Reason.Code)
}

func TestTelegramSocket_PollFailureWhileHandlerBusy(t *testing.T) {
	api := &fakeTelegramAPI{
		batches: [][]tgbotapi.Update{{textUpdate(1, 100, "/video https://example.com")}},
		pollErr: &tgbotapi.Error{Code: 502, Message: "Bad Gateway"},
	}
	rec := &eventRecorder{}
	release := make(chan struct{})
	defer close(release)

	d := NewTelegramDialer(TelegramConfig{Token: "123456:ABCDEF-token", PollTimeout: time.Second})
	d.newAPI = func(token string, client tgbotapi.HTTPClient) (TelegramAPI, tgbotapi.User, error) {
		return api, tgbotapi.User{ID: 42, UserName: "miau_bot", IsBot: true}, nil
	}
	sock, err := d.Dial(context.Background(), connection.DialOptions{Listener: func(ev connection.Event) {
		rec.listen(ev)
		if _, ok := ev.(connection.EventMessages); ok {
			<-release
		}
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close(context.Background()) })

	require.NoError(t, sock.Open(context.Background()))

	events := rec.waitLen(t, 3)
	closed, ok := events[2].(connection.EventClosed)
	require.True(t, ok)
	assert.Equal(t, connection.StatusUnavailableService, closed.Reason.Code)
}

func TestTelegramSocket_OpenAuthFailure(t *testing.T) {
	sock, rec := newTestTelegramSocket(t, nil, &tgbotapi.Error{Code: 401, Message: "Unauthorized"})

	err := sock.Open(context.Background())
	var ce *connection.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, connection.StatusLoggedOut, ce.Reason.Code)
	assert.Empty(t, rec.all())
}

func TestTelegramSocket_OpenTransientFailure(t *testing.T) {
	sock, _ := newTestTelegramSocket(t, nil, errors.New("connection refused"))

	err := sock.Open(context.Background())
	require.Error(t, err)
	var ce *connection.CloseError
	assert.False(t, errors.As(err, &ce))
}

func TestTelegramSocket_CloseStopsPolling(t *testing.T) {
	api := &fakeTelegramAPI{}
	sock, rec := newTestTelegramSocket(t, api, nil)
	require.NoError(t, sock.Open(context.Background()))
	rec.waitLen(t, 1)

	require.NoError(t, sock.Close(context.Background()))
	polls := len(api.seenOffsets())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, len(api.seenOffsets()))
	assert.Len(t, rec.all(), 1)
	assert.ErrorIs(t, sock.Open(context.Background()), connection.ErrClosed)
}

func TestTelegramSocket_SendText(t *testing.T) {
	api := &fakeTelegramAPI{}
	sock, _ := newTestTelegramSocket(t, api, nil)

	assert.ErrorIs(t, sock.SendText(context.Background(), "1", "x"), connection.ErrNotConnected)
	require.NoError(t, sock.Open(context.Background()))

	require.NoError(t, sock.SendText(context.Background(), "100", "hello"))
	api.mu.Lock()
	require.Len(t, api.sent, 1)
	msg := api.sent[0].(tgbotapi.MessageConfig)
	api.mu.Unlock()
	assert.Equal(t, int64(100), msg.ChatID)
	assert.Equal(t, "hello", msg.Text)

	assert.Error(t, sock.SendText(context.Background(), "not-a-number", "x"))
	assert.Error(t, sock.SendText(context.Background(), "", "x"))
}

func TestTelegramSocket_SendMedia(t *testing.T) {
	api := &fakeTelegramAPI{}
	sock, _ := newTestTelegramSocket(t, api, nil)
	require.NoError(t, sock.Open(context.Background()))

	require.NoError(t, sock.SendMedia(context.Background(), "100", connection.Media{Kind: connection.MediaAudio, Path: "/tmp/a.opus", Caption: "song"}))
	require.NoError(t, sock.SendMedia(context.Background(), "100", connection.Media{Kind: connection.MediaDocument, Path: "/tmp/v.mp4"}))
	require.NoError(t, sock.SendMedia(context.Background(), "100", connection.Media{Kind: connection.MediaSticker, Path: "/tmp/s.webp"}))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 3)
	audio := api.sent[0].(tgbotapi.AudioConfig)
	assert.Equal(t, "song", audio.Caption)
	assert.Equal(t, tgbotapi.FilePath("/tmp/a.opus"), audio.File)
	assert.IsType(t, tgbotapi.DocumentConfig{}, api.sent[1])
	assert.IsType(t, tgbotapi.StickerConfig{}, api.sent[2])
}

func TestTelegramStatus(t *testing.T) {
	tests := []struct {
		err  error
		want connection.StatusCode
	}{
		{&tgbotapi.Error{Code: 401}, connection.StatusLoggedOut},
		{&tgbotapi.Error{Code: 404}, connection.StatusLoggedOut},
		{&tgbotapi.Error{Code: 403}, connection.StatusForbidden},
		{&tgbotapi.Error{Code: 409}, connection.StatusConnectionReplaced},
		{&tgbotapi.Error{Code: 429}, connection.StatusUnavailableService},
		{&tgbotapi.Error{Code: 502}, connection.StatusUnavailableService},
		{&tgbotapi.Error{Code: 400}, connection.StatusCode(400)},
		{fmt.Errorf("wrapped: %w", &tgbotapi.Error{Code: 401}), connection.StatusLoggedOut},
		{errors.New("connection reset"), connection.StatusConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, telegramStatus(tt.err))
		})
	}
}

func TestConvertTelegramMessage(t *testing.T) {
	_, ok := convertTelegramMessage(nil)
	assert.False(t, ok)

	_, ok = convertTelegramMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, From: &tgbotapi.User{IsBot: true}})
	assert.False(t, ok, "bot messages are ignored")

	msg, ok := convertTelegramMessage(&tgbotapi.Message{
		MessageID:      3,
		Chat:           &tgbotapi.Chat{ID: -5, Type: "supergroup"},
		From:           &tgbotapi.User{ID: 9, UserName: "neo"},
		Caption:        "/s",
		Photo:          []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "big"}},
		ReplyToMessage: &tgbotapi.Message{MessageID: 2, Chat: &tgbotapi.Chat{ID: -5}, Text: "orig"},
	})
	require.True(t, ok)
	assert.Equal(t, "/s", msg.Text)
	assert.True(t, msg.IsGroup)
	assert.True(t, msg.HasMedia)
	assert.Equal(t, "neo", msg.PushName)
	require.NotNil(t, msg.Quoted)
	assert.Equal(t, "orig", msg.Quoted.Text)
}
