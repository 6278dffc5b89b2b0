// Command zenithctl talks to a running zenithchatd over its unix socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/KLOUTZINMODZ/zenithchat/internal/conversation"
	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
	"github.com/KLOUTZINMODZ/zenithchat/internal/session"
)

const usage = `usage: zenithctl [flags] <command> [args]

commands:
  health                       daemon liveness and connectivity
  state                        conversation overview
  open <conversation>          activate a conversation and list its messages
  messages <conversation>      list a conversation's messages
  send <conversation> <text>   send a message
  read <conversation>          mark a conversation read
  typing <conversation> on|off report typing state
  retry <tempId>               retry a failed send

flags:
  -profile <name>   target profile
  -json             raw JSON output
`

func main() {
	profileFlag := flag.String("profile", "", "profile name")
	jsonFlag := flag.Bool("json", false, "print raw JSON responses")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	sess, err := session.Resolve(*profileFlag)
	if err != nil {
		fatal(err)
	}
	c := &cli{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", sess.SocketPath())
				},
			},
		},
		json: *jsonFlag,
	}

	if err := c.run(args); err != nil {
		fatal(err)
	}
}

type cli struct {
	http *http.Client
	json bool
}

func (c *cli) run(args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "health":
		return c.get("/v1/health", nil)
	case "state":
		var view conversation.View
		return c.get("/v1/state", func(data json.RawMessage) error {
			if err := json.Unmarshal(data, &view); err != nil {
				return err
			}
			printState(view)
			return nil
		})
	case "open", "messages":
		if len(rest) != 1 {
			return fmt.Errorf("%s needs a conversation id", cmd)
		}
		handler := func(data json.RawMessage) error {
			var out struct {
				Messages []model.Message `json:"messages"`
			}
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			printMessages(out.Messages)
			return nil
		}
		if cmd == "open" {
			return c.post("/v1/conversations/"+rest[0]+"/open", nil, handler)
		}
		return c.get("/v1/conversations/"+rest[0]+"/messages", handler)
	case "send":
		if len(rest) < 2 {
			return fmt.Errorf("send needs a conversation id and text")
		}
		body := map[string]string{"content": strings.Join(rest[1:], " ")}
		return c.post("/v1/conversations/"+rest[0]+"/send", body, func(data json.RawMessage) error {
			var out struct {
				Message model.Message `json:"message"`
			}
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			fmt.Printf("queued %s (%s)\n", out.Message.TempID, out.Message.Status)
			return nil
		})
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("read needs a conversation id")
		}
		return c.post("/v1/conversations/"+rest[0]+"/read", nil, nil)
	case "typing":
		if len(rest) != 2 || (rest[1] != "on" && rest[1] != "off") {
			return fmt.Errorf("typing needs a conversation id and on|off")
		}
		body := map[string]bool{"typing": rest[1] == "on"}
		return c.post("/v1/conversations/"+rest[0]+"/typing", body, nil)
	case "retry":
		if len(rest) != 1 {
			return fmt.Errorf("retry needs a tempId")
		}
		return c.post("/v1/messages/"+rest[0]+"/retry", nil, nil)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) get(path string, handle func(json.RawMessage) error) error {
	resp, err := c.http.Get("http://zenithchatd" + path)
	if err != nil {
		return daemonErr(err)
	}
	return c.consume(resp, handle)
}

func (c *cli) post(path string, body any, handle func(json.RawMessage) error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post("http://zenithchatd"+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		return daemonErr(err)
	}
	return c.consume(resp, handle)
}

func (c *cli) consume(resp *http.Response, handle func(json.RawMessage) error) error {
	defer resp.Body.Close()
	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.OK {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if c.json {
		fmt.Println(string(env.Data))
		return nil
	}
	if handle != nil {
		return handle(env.Data)
	}
	fmt.Println("ok")
	return nil
}

func printState(view conversation.View) {
	fmt.Printf("connectivity: %s\n", view.Connectivity)
	if view.ActiveID != "" {
		fmt.Printf("active: %s\n", view.ActiveID)
	}
	for _, conv := range view.Conversations {
		marker := " "
		if conv.UnreadCount > 0 {
			marker = fmt.Sprintf("%d", conv.UnreadCount)
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
			if len(preview) > 40 {
				preview = preview[:40] + "…"
			}
		}
		fmt.Printf("[%s] %-24s %s\n", marker, conv.ID, preview)
	}
}

func printMessages(msgs []model.Message) {
	for _, msg := range msgs {
		who := msg.SenderID
		if msg.IsOwn {
			who = "me"
		}
		fmt.Printf("%s %-12s %-8s %s\n",
			msg.CreatedAt.Local().Format("15:04:05"), who, msg.Status, msg.Content)
	}
}

func daemonErr(err error) error {
	return fmt.Errorf("cannot reach the daemon (is zenithchatd running?): %w", err)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "zenithctl:", err)
	os.Exit(1)
}
