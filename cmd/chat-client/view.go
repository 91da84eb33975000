package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/sdk"
)

// runView is a minimal line-oriented front end: one goroutine renders
// server events, the main goroutine reads commands.
func runView(ctx context.Context, client *sdk.Client) {
	go renderLoop(client)

	fmt.Println("commands: signup <user> <pass> | login <user> <pass> | chats | open <chat_uuid> | send <chat_uuid> <text> | search <query> | create <name> [uuid...] | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		var err error
		switch parts[0] {
		case "signup":
			if len(parts) == 3 {
				err = client.AttemptSignUp(parts[1], parts[2])
			}
		case "login":
			if len(parts) == 3 {
				err = client.AttemptLogin(parts[1], parts[2])
			}
		case "chats":
			err = client.RequestChatsList()
		case "open":
			if len(parts) >= 2 {
				err = client.RequestInitialMessages(parts[1])
			}
		case "page":
			if len(parts) == 3 {
				var page int
				if page, err = strconv.Atoi(parts[2]); err == nil {
					err = client.RequestGetMessages(parts[1], int64(page))
				}
			}
		case "send":
			if len(parts) == 3 {
				err = client.RequestSendMessage(parts[1], parts[2])
			}
		case "search":
			if len(parts) >= 2 {
				err = client.RequestSearchForUsers(strings.Join(parts[1:], " "), 10, "print")
			}
		case "create":
			if len(parts) >= 2 {
				var uuids []string
				if len(parts) == 3 {
					uuids = strings.Fields(parts[2])
				}
				err = client.RequestCreateChat(parts[1], uuids)
			}
		case "quit":
			return
		default:
			fmt.Println("unknown command:", parts[0])
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

func renderLoop(client *sdk.Client) {
	for ev := range client.Callbacks() {
		switch ev.Tag {
		case chatverb.TagLoginResult, chatverb.TagSignUpResult:
			if ev.GetBool("success") {
				fmt.Printf("<< ok, you are %s\n", ev.GetString("uuid"))
			} else {
				fmt.Println("<< rejected")
			}
		case chatverb.TagRequestChatsListFilled:
			for _, v := range ev.GetList("chats") {
				if v.Kind == chatverb.KindEvent {
					fmt.Printf("<< chat %s  %s\n", v.Event.GetString("uuid"), v.Event.GetString("name"))
				}
			}
		case chatverb.TagNewChatCreated:
			if data := ev.GetEvent("chat_data"); data != nil {
				fmt.Printf("<< new chat %s  %s\n", data.GetString("uuid"), data.GetString("name"))
			}
		case chatverb.TagRequestInitialMessagesFilled, chatverb.TagRequestGetMessagesFilled:
			for _, v := range ev.GetList("messages") {
				if v.Kind == chatverb.KindEvent {
					printMessage(v.Event)
				}
			}
		case chatverb.TagRequestSendMessageFilled:
			if msg := ev.GetEvent("message"); msg != nil {
				printMessage(msg)
			}
		case chatverb.TagRequestSearchForUsersFilled:
			for _, v := range ev.GetList("results") {
				if v.Kind == chatverb.KindString {
					fmt.Println("<< user", v.Str)
				}
			}
		}
	}
	fmt.Println("<< disconnected")
}

func printMessage(msg *chatverb.Event) {
	ts := time.Unix(msg.GetInt("timestamp"), 0).UTC().Format("15:04:05")
	name := msg.GetString("sender_name")
	if msg.GetBool("is_own") {
		name = "you"
	}
	fmt.Printf("<< [%s] %s: %s\n", ts, name, msg.GetString("content"))
}
