package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/RichardoC/graceline/internal/client"
	"github.com/RichardoC/graceline/internal/config"
	"github.com/RichardoC/graceline/internal/convo"
	"github.com/RichardoC/graceline/internal/kv"
	"github.com/RichardoC/graceline/internal/models"
	"go.uber.org/zap"
)

const help = `Commands:
  /new          start a new conversation
  /history      list your conversations
  /open <id>    continue a stored conversation
  /logout       sign out and forget the session
  /quit         exit`

var reader = bufio.NewReader(os.Stdin)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	token := flag.String("token", "", "session token to sign in with")
	verbose := flag.Bool("v", false, "log client diagnostics to stderr")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	store, err := kv.OpenBolt(cfg.Client.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", cfg.Client.StorePath, err)
		os.Exit(1)
	}
	defer store.Close()

	c, err := client.New(cfg.Client.BaseURL, store, client.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}

	user, err := signIn(c, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sign in failed: %v\n", err)
		return
	}
	fmt.Printf("Welcome, %s. Type /help for commands.\n", user.FirstName())

	chat := client.NewChat(c, convo.New(),
		client.OnChunk(func(text string) { fmt.Print(text) }),
		client.OnTransportError(func(err error) {
			fmt.Printf("\n[connection lost: %v]", err)
		}),
	)

	for {
		line, ok := prompt("\n> ")
		if !ok {
			return
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !runCommand(c, chat, line) {
				return
			}
			continue
		}
		send(chat, line)
	}
}

func prompt(label string) (string, bool) {
	fmt.Print(label)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return "", false
	}
	return strings.TrimSpace(input), true
}

func signIn(c *client.Client, token string) (models.User, error) {
	ctx := context.Background()
	if token != "" {
		return c.SignIn(ctx, token)
	}
	user, err := c.Restore(ctx)
	if !errors.Is(err, client.ErrSignedOut) {
		return user, err
	}
	entered, ok := prompt("Session token: ")
	if !ok {
		return models.User{}, client.ErrSignedOut
	}
	return c.SignIn(ctx, entered)
}

// send streams one reply. Ctrl-C stops the reply without leaving the program.
func send(chat *client.Chat, text string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_, err := chat.Send(ctx, text)
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		fmt.Printf("Error: %s\n", apiErr.Message)
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	default:
		fmt.Println()
	}
}

func runCommand(c *client.Client, chat *client.Chat, line string) bool {
	ctx := context.Background()
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Println(help)
	case "/new":
		if err := chat.Reset(); err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		fmt.Println("Started a new conversation.")
	case "/history":
		list, err := c.Conversations(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		if len(list) == 0 {
			fmt.Println("No conversations yet.")
		}
		for _, conv := range list {
			fmt.Printf("%s  %s  %s\n", conv.ID, conv.UpdatedAt.Local().Format("2006-01-02 15:04"), conv.Title)
		}
	case "/open":
		if arg == "" {
			fmt.Println("Usage: /open <id>")
			break
		}
		conv, err := c.Conversation(ctx, arg)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		if err := chat.Load(conv); err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		for _, m := range conv.Messages {
			fmt.Printf("[%s] %s\n", m.Role, m.Text)
		}
	case "/logout":
		if err := c.SignOut(ctx); err != nil {
			fmt.Printf("Signed out locally; server said: %v\n", err)
		}
		fmt.Println("Logged out")
		return false
	case "/quit", "/exit":
		fmt.Println("Goodbye!")
		return false
	default:
		fmt.Println("Unknown command. Type /help.")
	}
	return true
}
