package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"collabrelay/internal/auth"
	"collabrelay/internal/client"
	"collabrelay/internal/protocol"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collaboration relay control.

The default url is http://localhost:1234

Usage:
    collabctl watch [--url=<url>] --token=<token> <document>
        [--client_id=<client_id>]
    collabctl versions [--url=<url>] --token=<token> <document>
    collabctl compare [--url=<url>] --token=<token> <document> <from> <to>
    collabctl save [--url=<url>] --token=<token> <document>
        [--author=<author>] [--title=<title>] [--description=<description>]
    collabctl restore [--url=<url>] --token=<token> <document> <version_id>
        [--author=<author>]
    collabctl delete [--url=<url>] --token=<token> <document> <version_id>
        [--author=<author>]
    collabctl token --secret=<secret> <user>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Relay url [default: http://localhost:1234].
    --token=<token>                Connection token (a JWT when the relay has a secret).
    --client_id=<client_id>        Client id to join with; random when omitted.
    --author=<author>              Author recorded on the version.
    --title=<title>                Version title.
    --description=<description>    Version description.
    --secret=<secret>              HS256 secret shared with the relay.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		listVersions(opts)
	} else if compare_, _ := opts.Bool("compare"); compare_ {
		compareVersions(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		saveVersion(opts)
	} else if restore_, _ := opts.Bool("restore"); restore_ {
		restoreVersion(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteVersion(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func apiFromOpts(opts docopt.Opts) *client.API {
	baseURL, _ := opts.String("--url")
	tokenStr, _ := opts.String("--token")
	document, _ := opts.String("<document>")
	return client.NewAPI(baseURL, document, tokenStr)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// watch joins a document and prints every message until interrupted
func watch(opts docopt.Opts) {
	baseURL, _ := opts.String("--url")
	tokenStr, _ := opts.String("--token")
	document, _ := opts.String("<document>")

	var clientID int64
	if clientIDStr, err := opts.String("--client_id"); err == nil && clientIDStr != "" {
		if _, err := fmt.Sscan(clientIDStr, &clientID); err != nil {
			Err.Fatalf("invalid --client_id %q: %v", clientIDStr, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		URL:        baseURL,
		DocumentID: document,
		Token:      tokenStr,
		ClientID:   clientID,
	}, printMessage)

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		Err.Fatalf("watch %s: %v", document, err)
	}
}

func printMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Sync:
		Out.Printf("sync: %d bytes", len(m.Update))
	case *protocol.Update:
		Out.Printf("update: %d bytes", len(m.Update))
	case *protocol.AwarenessSnapshot:
		Out.Printf("awareness: %d clients", len(m.States))
	case *protocol.AwarenessDelta:
		if m.Removed() {
			Out.Printf("awareness: client %d left", m.ClientID)
		} else {
			Out.Printf("awareness: client %d %s", m.ClientID, string(m.State))
		}
	case *protocol.VersionSync:
		Out.Printf("versions: %d", len(m.Versions))
		for _, v := range m.Versions {
			Out.Printf("  #%d %s (%s, %d bytes)", v.Version, v.Title, v.Author, v.Size)
		}
	case *protocol.VersionNotification:
		Out.Printf("version %s by %s: %s", m.Action, m.Author, m.VersionTitle)
	case *protocol.VersionResult:
		Out.Printf("version %s result: ok=%t %s", m.Action, m.OK, m.Reason)
	default:
		Out.Printf("%s", msg.MessageType())
	}
}

func listVersions(opts docopt.Opts) {
	ctx, cancel := requestContext()
	defer cancel()

	list, err := apiFromOpts(opts).ListVersions(ctx)
	if err != nil {
		Err.Fatalf("versions: %v", err)
	}

	for _, v := range list {
		kind := "manual"
		if v.IsAutoSave {
			kind = "auto"
		}
		Out.Printf("#%d\t%s\t%s\t%s\t%s\t%d bytes",
			v.Version, v.ID, v.Title, v.Author, kind, v.Size)
	}
}

func compareVersions(opts docopt.Opts) {
	from, _ := opts.String("<from>")
	to, _ := opts.String("<to>")

	ctx, cancel := requestContext()
	defer cancel()

	comparison, err := apiFromOpts(opts).CompareVersions(ctx, from, to)
	if err != nil {
		Err.Fatalf("compare: %v", err)
	}
	printJSON(comparison)
}

func saveVersion(opts docopt.Opts) {
	author, _ := opts.String("--author")
	title, _ := opts.String("--title")
	description, _ := opts.String("--description")

	ctx, cancel := requestContext()
	defer cancel()

	result, err := apiFromOpts(opts).SaveVersion(ctx, author, title, description)
	if err != nil {
		Err.Fatalf("save: %v", err)
	}
	if result.Version == nil {
		Out.Printf("document is empty, nothing saved")
		return
	}
	printJSON(result.Version)
}

func restoreVersion(opts docopt.Opts) {
	versionID, _ := opts.String("<version_id>")
	author, _ := opts.String("--author")

	ctx, cancel := requestContext()
	defer cancel()

	result, err := apiFromOpts(opts).RestoreVersion(ctx, author, versionID)
	if err != nil {
		Err.Fatalf("restore: %v", err)
	}
	printJSON(result)
}

func deleteVersion(opts docopt.Opts) {
	versionID, _ := opts.String("<version_id>")
	author, _ := opts.String("--author")

	ctx, cancel := requestContext()
	defer cancel()

	if err := apiFromOpts(opts).DeleteVersion(ctx, author, versionID); err != nil {
		Err.Fatalf("delete: %v", err)
	}
	Out.Printf("deleted %s", versionID)
}

// token mints a connection token for relays started with JWT_SECRET
func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	user, _ := opts.String("<user>")

	signed, err := auth.Sign(secret, user)
	if err != nil {
		Err.Fatalf("token: %v", err)
	}
	Out.Printf("%s", signed)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Err.Fatalf("%v", err)
	}
	Out.Printf("%s", out)
}
