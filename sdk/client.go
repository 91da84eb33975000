package sdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay"
	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// Client talks to a relay server. Request methods are called from the UI
// context; all state mutation (key store, handshakes, uuid) happens on the
// pump context inside RunPump. Processed server events are forwarded to the
// Callbacks channel for the UI to render.
type Client struct {
	transport  *transport.Client
	keys       *KeyStore
	handshakes *HandshakeManager

	// UUID is set by the pump on a successful login or signup.
	UUID string

	callbacks chan *chatverb.Event
}

// NewClient assembles a client over an established transport and key store.
func NewClient(t *transport.Client, keys *KeyStore) *Client {
	return &Client{
		transport:  t,
		keys:       keys,
		handshakes: NewHandshakeManager(keys),
		callbacks:  make(chan *chatverb.Event, 64),
	}
}

// Connect dials the relay and unlocks the local key store with the
// machine-derived key.
func Connect(ctx context.Context, url, keyStorePath string) (*Client, error) {
	fileKey, err := MachineKey()
	if err != nil {
		return nil, err
	}
	keys, err := OpenKeyStore(keyStorePath, fileKey)
	if err != nil {
		return nil, err
	}
	t, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return NewClient(t, keys), nil
}

// Callbacks is the stream of processed server events for the UI.
func (c *Client) Callbacks() <-chan *chatverb.Event {
	return c.callbacks
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// HashPassword is the opaque password-hashing boundary: the relay only ever
// sees this digest.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Request methods. Each sends one event; the reply arrives via Callbacks.

func (c *Client) AttemptLogin(username, password string) error {
	return c.transport.Send(chatverb.New(chatverb.TagAttemptLogin).
		SetString("username", username).
		SetString("password_hash", HashPassword(password)))
}

func (c *Client) AttemptSignUp(username, password string) error {
	return c.transport.Send(chatverb.New(chatverb.TagAttemptSignUp).
		SetString("username", username).
		SetString("password_hash", HashPassword(password)))
}

func (c *Client) RequestChatsList() error {
	return c.transport.Send(chatverb.New(chatverb.TagRequestChatsList))
}

func (c *Client) RequestInitialMessages(chatUUID string) error {
	return c.transport.Send(chatverb.New(chatverb.TagRequestInitialMessages).
		SetString("chat_uuid", chatUUID))
}

func (c *Client) RequestGetMessages(chatUUID string, page int64) error {
	return c.transport.Send(chatverb.New(chatverb.TagRequestGetMessages).
		SetString("chat_uuid", chatUUID).
		SetInt("messages_page", page))
}

// RequestSendMessage encrypts text to the chat's public key and submits it.
// It fails when the local store has no pair for the chat yet.
func (c *Client) RequestSendMessage(chatUUID, text string) error {
	pubPEM, _, ok := c.keys.Get(chatrelay.KeyIDForChat(chatUUID))
	if !ok {
		return fmt.Errorf("%w: no key pair for chat %s", cryptoops.ErrBadKey, chatUUID)
	}
	pub, err := cryptoops.PublicKeyFromPEM(pubPEM)
	if err != nil {
		return err
	}
	packet, err := cryptoops.NewDataPacket([]byte(text))
	if err != nil {
		return err
	}
	if err := packet.Encrypt(pub); err != nil {
		return err
	}
	return c.transport.Send(chatverb.New(chatverb.TagRequestSendMessage).
		SetString("chat_uuid", chatUUID).
		SetPacket("message_content", packet))
}

func (c *Client) RequestSearchForUsers(query string, getMax int64, resultAction string) error {
	return c.transport.Send(chatverb.New(chatverb.TagRequestSearchForUsers).
		SetString("query", query).
		SetInt("get_max", getMax).
		SetString("result_action", resultAction))
}

func (c *Client) RequestCreateChat(name string, participantUUIDs []string) error {
	list := make([]chatverb.Value, 0, len(participantUUIDs))
	for _, p := range participantUUIDs {
		list = append(list, chatverb.StringValue(p))
	}
	return c.transport.Send(chatverb.New(chatverb.TagRequestCreateChat).
		SetString("chat_name", name).
		SetList("participants", list))
}

func (c *Client) RequestMissingKeys(chatUUID string) error {
	return c.transport.Send(chatverb.New(chatverb.TagRequestMissingKeys).
		SetString("chat_uuid", chatUUID))
}

// RunPump drains the transport until the connection drops or ctx is done,
// processing each server event and forwarding the result to Callbacks.
func (c *Client) RunPump(ctx context.Context) {
	defer close(c.callbacks)
	for {
		events, connected := c.transport.Pump(ctx)
		for _, ev := range events {
			c.ProcessServerEvent(ev)
		}
		if !connected || ctx.Err() != nil {
			return
		}
	}
}

// ProcessServerEvent applies one server event to client state, then forwards
// it (with message ciphertext already replaced by plaintext) to the UI.
// Handshake traffic is consumed here and not forwarded.
func (c *Client) ProcessServerEvent(ev *chatverb.Event) {
	switch ev.Tag {
	case chatverb.TagE2EHandshake:
		c.processHandshake(ev)
		return

	case chatverb.TagLoginResult, chatverb.TagSignUpResult:
		if ev.GetBool("success") {
			c.UUID = ev.GetString("uuid")
		}

	case chatverb.TagCreateNewKeys:
		c.createNewKeys(ev.GetString("encryption_key_id"))

	case chatverb.TagRequestChatsListFilled:
		for _, v := range ev.GetList("chats") {
			if v.Kind == chatverb.KindEvent {
				c.checkChatKeys(v.Event.GetString("uuid"))
			}
		}

	case chatverb.TagNewChatCreated:
		if data := ev.GetEvent("chat_data"); data != nil {
			c.checkChatKeys(data.GetString("uuid"))
		}

	case chatverb.TagRequestInitialMessagesFilled, chatverb.TagRequestGetMessagesFilled:
		chatUUID := ev.GetString("chat_uuid")
		for _, v := range ev.GetList("messages") {
			if v.Kind == chatverb.KindEvent {
				c.decryptMessageEvent(chatUUID, v.Event)
			}
		}

	case chatverb.TagRequestSendMessageFilled:
		if msg := ev.GetEvent("message"); msg != nil {
			c.decryptMessageEvent(ev.GetString("chat_uuid"), msg)
		}
	}

	select {
	case c.callbacks <- ev:
	default:
		log.Warn().Str("tag", ev.Tag).Msg("[Client] callback queue full, event dropped")
	}
}

func (c *Client) processHandshake(ev *chatverb.Event) {
	sends, saveKeys, err := c.handshakes.Process(ev)
	if err != nil {
		log.Error().Err(err).Str("handshake_id", ev.GetString("handshake_id")).Msg("[Client] handshake step failed")
		return
	}
	for _, out := range sends {
		if err := c.transport.Send(out); err != nil {
			log.Error().Err(err).Msg("[Client] sending handshake reply failed")
		}
	}
	if saveKeys {
		if err := c.keys.Save(); err != nil {
			log.Error().Err(err).Msg("[Client] flushing key store failed")
		}
	}
}

// createNewKeys generates the initial pair for a chat this client created.
func (c *Client) createNewKeys(keyID string) {
	if keyID == "" || c.keys.Has(keyID) {
		return
	}
	pubPEM, privPEM, err := generatePEMPair()
	if err != nil {
		log.Error().Err(err).Str("key_id", keyID).Msg("[Client] generating chat pair failed")
		return
	}
	c.keys.Put(keyID, pubPEM, privPEM)
	if err := c.keys.Save(); err != nil {
		log.Error().Err(err).Msg("[Client] flushing key store failed")
	}
	log.Debug().Str("key_id", keyID).Msg("[Client] chat pair created")
}

// checkChatKeys asks the server for a key transfer when the local store has
// no pair for a chat this client belongs to.
func (c *Client) checkChatKeys(chatUUID string) {
	if chatUUID == "" || c.keys.Has(chatrelay.KeyIDForChat(chatUUID)) {
		return
	}
	log.Debug().Str("chat_uuid", chatUUID).Msg("[Client] missing chat key, requesting transfer")
	if err := c.RequestMissingKeys(chatUUID); err != nil {
		log.Error().Err(err).Str("chat_uuid", chatUUID).Msg("[Client] requesting missing keys failed")
	}
}

// decryptMessageEvent replaces a ciphertext content field with plaintext.
// Any failure leaves the literal "???" so one bad message never stalls the
// feed.
func (c *Client) decryptMessageEvent(chatUUID string, msg *chatverb.Event) {
	packet := msg.GetPacket("content")
	if packet == nil {
		return
	}

	content := "???"
	defer func() { msg.SetString("content", content) }()

	_, privPEM, ok := c.keys.Get(chatrelay.KeyIDForChat(chatUUID))
	if !ok {
		return
	}
	priv, err := cryptoops.PrivateKeyFromPEM(privPEM)
	if err != nil {
		return
	}
	if err := packet.Decrypt(priv); err != nil {
		log.Debug().Str("chat_uuid", chatUUID).Err(err).Msg("[Client] message decryption failed")
		return
	}
	content = string(packet.Payload)
}
