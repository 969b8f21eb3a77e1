package bot

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/keepmind9/miaubot/internal/connection"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

var (
	errWhatsAppDisconnected = errors.New("whatsapp websocket disconnected")
	errWhatsAppReplaced     = errors.New("another client connected with the same credentials")
	errWhatsAppOutdated     = errors.New("whatsapp rejected this client version")
	errPairingTimeout       = errors.New("pairing ran out of qr codes")
)

func closedEvent(code connection.StatusCode, err error) (connection.Event, bool) {
	return connection.EventClosed{Reason: connection.CloseReason{Code: code, Err: err}}, true
}

// translateWhatsAppEvent maps a whatsmeow event onto the connection event
// set. Events the manager does not care about report false.
func translateWhatsAppEvent(evt any) (connection.Event, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return connection.EventOpen{}, true
	case *events.PairSuccess:
		return connection.EventCredentialsChanged{}, true
	case *events.Disconnected:
		return closedEvent(connection.StatusConnectionClosed, errWhatsAppDisconnected)
	case *events.LoggedOut:
		code := connection.StatusLoggedOut
		if int(e.Reason) == int(connection.StatusForbidden) {
			code = connection.StatusForbidden
		}
		return closedEvent(code, fmt.Errorf("logged out (reason %d, on connect %t)", int(e.Reason), e.OnConnect))
	case *events.StreamReplaced:
		return closedEvent(connection.StatusConnectionReplaced, errWhatsAppReplaced)
	case *events.TemporaryBan:
		return closedEvent(connection.StatusForbidden,
			fmt.Errorf("temporarily banned (code %d, expires in %s)", int(e.Code), e.Expire))
	case *events.ClientOutdated:
		return closedEvent(connection.StatusForbidden, errWhatsAppOutdated)
	case *events.ConnectFailure:
		return closedEvent(connectFailureStatus(int(e.Reason)),
			fmt.Errorf("connect failure %d: %s", int(e.Reason), e.Message))
	case *events.StreamError:
		code, err := strconv.Atoi(e.Code)
		if err != nil {
			code = 0
		}
		return closedEvent(connection.StatusCode(code), fmt.Errorf("stream error %q", e.Code))
	case *events.Message:
		return connection.EventMessages{Messages: []connection.Message{convertWhatsAppMessage(e)}}, true
	}
	return nil, false
}

// pairingClosedEvent maps the final item of an unsuccessful QR channel onto
// a close. Running out of codes is a timeout and is retried.
func pairingClosedEvent(item whatsmeow.QRChannelItem) connection.Event {
	var ev connection.Event
	switch {
	case item.Event == whatsmeow.QRChannelTimeout.Event:
		ev, _ = closedEvent(connection.StatusTimedOut, errPairingTimeout)
	case item.Event == whatsmeow.QRChannelClientOutdated.Event:
		ev, _ = closedEvent(connection.StatusForbidden, errWhatsAppOutdated)
	case item.Error != nil:
		ev, _ = closedEvent(connection.StatusConnectionClosed, fmt.Errorf("pairing failed: %w", item.Error))
	default:
		ev, _ = closedEvent(connection.StatusConnectionClosed, fmt.Errorf("pairing ended with %q", item.Event))
	}
	return ev
}

// connectFailureStatus maps whatsmeow connect failure reasons onto close
// statuses.
func connectFailureStatus(reason int) connection.StatusCode {
	switch reason {
	case 401, 406:
		return connection.StatusLoggedOut
	case 402, 403, 405, 409:
		return connection.StatusForbidden
	case 413, 414:
		// expired or invalid client token, refreshed on the next handshake
		return connection.StatusRestartRequired
	case 500, 503:
		return connection.StatusUnavailableService
	default:
		return connection.StatusCode(reason)
	}
}

func convertWhatsAppMessage(e *events.Message) connection.Message {
	msg := connection.Message{
		ID:        string(e.Info.ID),
		Chat:      e.Info.Chat.String(),
		Sender:    e.Info.Sender.ToNonAD().String(),
		PushName:  e.Info.PushName,
		FromMe:    e.Info.IsFromMe,
		IsGroup:   e.Info.IsGroup,
		Timestamp: e.Info.Timestamp,
		Text:      whatsAppText(e.Message),
		HasMedia:  whatsAppHasMedia(e.Message),
		Raw:       e,
	}
	if ctxInfo := whatsAppContextInfo(e.Message); ctxInfo != nil && ctxInfo.GetQuotedMessage() != nil {
		quoted := ctxInfo.GetQuotedMessage()
		msg.Quoted = &connection.Message{
			Chat:     msg.Chat,
			Sender:   ctxInfo.GetParticipant(),
			Text:     whatsAppText(quoted),
			HasMedia: whatsAppHasMedia(quoted),
			Raw:      quoted,
		}
	}
	return msg
}

// whatsAppText returns the user-visible text or caption of m.
func whatsAppText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func whatsAppHasMedia(m *waE2E.Message) bool {
	return m.GetImageMessage() != nil ||
		m.GetVideoMessage() != nil ||
		m.GetStickerMessage() != nil ||
		m.GetDocumentMessage() != nil ||
		m.GetAudioMessage() != nil
}

func whatsAppContextInfo(m *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetContextInfo()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetContextInfo()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetContextInfo()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetContextInfo()
	case m.GetStickerMessage() != nil:
		return m.GetStickerMessage().GetContextInfo()
	}
	return nil
}

// rawWhatsAppMessage recovers the protobuf message from Message.Raw.
func rawWhatsAppMessage(raw any) *waE2E.Message {
	switch r := raw.(type) {
	case *events.Message:
		return r.Message
	case *waE2E.Message:
		return r
	}
	return nil
}
