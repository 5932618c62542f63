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

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/get-convex/convex-go/convex"
)

const ConvexCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Convex deployment control.

Runs functions against a deployment over the sync protocol. <args> is the
function argument object as JSON, default {}.

Usage:
    convexctl query --url=<url> [--auth=<auth>] [--admin-key=<admin_key>]
        <function> [<args>]
    convexctl watch --url=<url> [--auth=<auth>] [--admin-key=<admin_key>]
        <function> [<args>]
    convexctl mutation --url=<url> [--auth=<auth>] [--admin-key=<admin_key>]
        <function> [<args>]
    convexctl action --url=<url> [--auth=<auth>] [--admin-key=<admin_key>]
        <function> [<args>]
    convexctl paginate --url=<url> [--auth=<auth>] [--admin-key=<admin_key>]
        [--num_items=<num_items>]
        <function> [<args>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Deployment url, e.g. https://happy-animal-123.convex.cloud
    --auth=<auth>            User auth token (JWT). Pass "-" to prompt.
    --admin-key=<admin_key>  Deployment admin key. Pass "-" to prompt.
    --num_items=<num_items>  Page size for paginate. [default: 10]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ConvexCtlVersion)
	if err != nil {
		panic(err)
	}

	if query_, _ := opts.Bool("query"); query_ {
		query(opts, false)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		query(opts, true)
	} else if mutation_, _ := opts.Bool("mutation"); mutation_ {
		mutation(opts)
	} else if action_, _ := opts.Bool("action"); action_ {
		action(opts)
	} else if paginate_, _ := opts.Bool("paginate"); paginate_ {
		paginate(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *convex.Client {
	url, _ := opts.String("--url")

	client, err := convex.NewClient(ctx, url)
	if err != nil {
		Err.Fatalf("Invalid url (%s).\n", err)
	}

	if adminKey, _ := opts.String("--admin-key"); adminKey != "" {
		client.SetAdminAuth(promptSecret(adminKey, "Admin key: "), nil)
	} else if auth, _ := opts.String("--auth"); auth != "" {
		client.SetAuth(promptSecret(auth, "Auth token: "))
	}
	return client
}

// a literal "-" means read the secret from the terminal instead of argv
func promptSecret(value string, prompt string) string {
	if value != "-" {
		return value
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read secret (%s).\n", err)
	}
	return string(secret)
}

func functionCall(opts docopt.Opts) (string, map[string]convex.Value) {
	function, _ := opts.String("<function>")

	args := map[string]convex.Value{}
	if argsJson, _ := opts.String("<args>"); argsJson != "" {
		if err := json.Unmarshal([]byte(argsJson), &args); err != nil {
			Err.Fatalf("Invalid args (%s).\n", err)
		}
	}
	return function, args
}

func printValue(value convex.Value) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		Err.Fatalf("Could not render result (%s).\n", err)
	}
	Out.Printf("%s", data)
}

func query(opts docopt.Opts, watch bool) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	function, args := functionCall(opts)

	subscription, err := client.Subscribe(function, args)
	if err != nil {
		Err.Fatalf("Subscribe error (%s).\n", err)
	}
	defer subscription.Unsubscribe()

	for {
		select {
		case <-cancelCtx.Done():
			return
		case result := <-subscription.Updates():
			if result.Error != nil {
				Err.Printf("Query error (%s).\n", result.Error)
				if !watch {
					os.Exit(1)
				}
				continue
			}
			printValue(result.Value)
			if !watch {
				return
			}
		}
	}
}

func mutation(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	function, args := functionCall(opts)

	result, err := client.Mutation(cancelCtx, function, args)
	if err != nil {
		Err.Fatalf("Mutation error (%s).\n", err)
	}
	printValue(result)
}

func action(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	function, args := functionCall(opts)

	result, err := client.Action(cancelCtx, function, args)
	if err != nil {
		Err.Fatalf("Action error (%s).\n", err)
	}
	printValue(result)
}

// page through the full result set, loading more whenever the current pages
// have settled, until the query is exhausted
func paginate(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	function, args := functionCall(opts)
	numItems, err := opts.Int("--num_items")
	if err != nil || numItems <= 0 {
		Err.Fatalf("Invalid num_items.\n")
	}

	paginated, err := client.PaginatedQuery(function, args, &convex.PaginationOptions{
		InitialNumItems: numItems,
	})
	if err != nil {
		Err.Fatalf("Paginate error (%s).\n", err)
	}
	defer paginated.Close()

	timeout := 60 * time.Second
	for {
		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(timeout):
			Err.Fatalf("Paginate timeout.\n")
		case snapshot := <-paginated.Updates():
			switch snapshot.Status {
			case convex.PaginationError:
				Err.Fatalf("Paginate error (%s).\n", snapshot.Error)
			case convex.PaginationExhausted:
				printValue(snapshot.Results)
				return
			case convex.PaginationCanLoadMore:
				paginated.LoadMore(numItems)
			}
		}
	}
}
