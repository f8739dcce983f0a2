// chatctl is a small operator tool for the chat service: mint a dev session
// credential, generate a device key pair, send a message, or tail the event
// stream of a connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"e2ee-chat/internal/jwtsigner"
	"e2ee-chat/pkg/chatclient"
	"e2ee-chat/pkg/clientcrypto"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "keygen":
		err = runKeygen()
	case "send":
		err = runSend(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl <token|keygen|send|listen|history> [flags]")
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	identity := fs.String("identity", "", "identity id (uuid, random if empty)")
	username := fs.String("username", "dev", "username claim")
	ttl := fs.Duration("ttl", 15*time.Minute, "credential lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv("SIGNING_KEY")
	if secret == "" {
		return fmt.Errorf("SIGNING_KEY not set")
	}
	id := uuid.New()
	if *identity != "" {
		parsed, err := uuid.Parse(*identity)
		if err != nil {
			return fmt.Errorf("invalid identity id: %w", err)
		}
		id = parsed
	}
	signer := jwtsigner.NewHS256(secret, getenv("ISSUER", "http://localhost:8081"), getenv("AUDIENCE", "client"))
	token, err := signer.Session(id, *username, *ttl)
	if err != nil {
		return err
	}
	fmt.Printf("identity: %s\ntoken: %s\n", id, token)
	return nil
}

func runKeygen() error {
	kp, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Printf("public:  %s\nprivate: %s\n", kp.PublicKey, kp.PrivateKey)
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", getenv("CHAT_BASE_URL", "http://localhost:8083"), "server base URL")
	token := fs.String("token", os.Getenv("CHAT_TOKEN"), "session credential")
	recipient := fs.String("to", "", "recipient identity id")
	peerKey := fs.String("peer-key", "", "recipient public key (encrypts the message when set)")
	text := fs.String("text", "", "message payload; sent verbatim unless -peer-key is set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recipient == "" || *text == "" {
		return fmt.Errorf("need -to and -text")
	}

	payload := *text
	if *peerKey != "" {
		var err error
		payload, err = clientcrypto.Encrypt(*text, *peerKey)
		if err != nil {
			return err
		}
	}

	conn, err := chatclient.Dial(*base, *token)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SendMessage(*recipient, payload); err != nil {
		return err
	}
	// The echo confirms persistence.
	for {
		evt, err := conn.Next()
		if err != nil {
			return err
		}
		if evt.Type != chatclient.EventMessage {
			continue
		}
		msg, err := evt.DecodeMessage()
		if err != nil {
			return err
		}
		fmt.Printf("sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	}
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", getenv("CHAT_BASE_URL", "http://localhost:8083"), "server base URL")
	token := fs.String("token", os.Getenv("CHAT_TOKEN"), "session credential")
	privKey := fs.String("key", "", "private key (decrypts inbound messages when set)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := chatclient.Dial(*base, *token)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	for {
		evt, err := conn.Next()
		if err != nil {
			return err
		}
		switch evt.Type {
		case chatclient.EventMessage:
			msg, err := evt.DecodeMessage()
			if err != nil {
				continue
			}
			body := msg.Ciphertext
			if *privKey != "" {
				plain, err := clientcrypto.Decrypt(msg.Ciphertext, *privKey)
				if err != nil {
					body = "<undecryptable>"
				} else {
					body = plain
				}
			}
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.RFC3339), msg.SenderUsername, body)
		case chatclient.EventTyping:
			t, err := evt.DecodeTyping()
			if err == nil && t.IsTyping {
				fmt.Printf("%s is typing...\n", t.SenderUsername)
			}
		case chatclient.EventUserOnline:
			p, err := evt.DecodePresence()
			if err == nil {
				fmt.Printf("%s came online\n", p.IdentityID)
			}
		case chatclient.EventUserOffline:
			p, err := evt.DecodePresence()
			if err == nil {
				fmt.Printf("%s went offline\n", p.IdentityID)
			}
		case chatclient.EventOnlineUsers:
			o, err := evt.DecodeOnlineUsers()
			if err == nil {
				fmt.Printf("online now: %v\n", o.IdentityIDs)
			}
		}
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", getenv("CHAT_BASE_URL", "http://localhost:8083"), "server base URL")
	token := fs.String("token", os.Getenv("CHAT_TOKEN"), "session credential")
	peer := fs.String("peer", "", "peer identity id")
	limit := fs.Int("limit", 50, "max messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *peer == "" {
		return fmt.Errorf("need -peer")
	}

	conn, err := chatclient.Dial(*base, *token)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	msgs, err := conn.History(context.Background(), *peer, *limit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		marker := " "
		if msg.IsRead {
			marker = "r"
		}
		fmt.Printf("[%s]%s %s -> %s: %s\n", msg.CreatedAt.Format(time.RFC3339), marker, msg.SenderID, msg.RecipientID, msg.Ciphertext)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
