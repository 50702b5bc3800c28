package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/notify"
)

const defaultSubscriptionsFile = "push-subscriptions.json"

func handlePush(args []string) {
	if len(args) == 0 {
		printPushHelp()
		return
	}
	switch args[0] {
	case "keys":
		handlePushKeys(args[1:])
	case "add":
		handlePushAdd(args[1:])
	case "list", "ls":
		handlePushList(args[1:])
	case "remove", "rm":
		handlePushRemove(args[1:])
	case "help", "--help", "-h":
		printPushHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown push command: %s\n\n", args[0])
		printPushHelp()
		os.Exit(1)
	}
}

func printPushHelp() {
	fmt.Println("Usage: ccremote push <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  keys [--force]            Generate VAPID keys and store them in config.toml")
	fmt.Println("  add [file]                Add a subscription (PushSubscription JSON, '-' for stdin)")
	fmt.Println("  list                      List subscriptions")
	fmt.Println("  remove <endpoint>         Remove a subscription")
}

// subscriptionsPath resolves the configured store file, or the default one
// under the data directory.
func subscriptionsPath(env *cliEnv) string {
	if p := env.cfg.Notify.WebPush.SubscriptionsFile; p != "" {
		return config.ExpandTilde(p)
	}
	return filepath.Join(env.paths.Root, defaultSubscriptionsFile)
}

func handlePushKeys(args []string) {
	fs := flag.NewFlagSet("push keys", flag.ExitOnError)
	force := fs.Bool("force", false, "Replace existing keys")
	subject := fs.String("subject", "", "VAPID subject, e.g. mailto:you@example.com")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	wp := &env.cfg.Notify.WebPush
	if wp.PublicKey != "" && !*force {
		out.Fail("VAPID keys already configured (use --force to replace)", ErrCodeAlreadyExists)
	}
	priv, pub, err := notify.GenerateVAPIDKeys()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	wp.PrivateKey = priv
	wp.PublicKey = pub
	if *subject != "" {
		wp.Subject = *subject
	}
	if wp.SubscriptionsFile == "" {
		wp.SubscriptionsFile = subscriptionsPath(env)
	}
	if err := config.Save(env.paths.Config, env.cfg); err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	out.Print(fmt.Sprintf("%s VAPID keys saved to %s\n  public key: %s\n",
		successStyle.Render(successSymbol), env.paths.Config, pub),
		map[string]any{
			"success":   true,
			"publicKey": pub,
			"config":    env.paths.Config,
		})
}

func handlePushAdd(args []string) {
	fs := flag.NewFlagSet("push add", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	src := "-"
	if fs.NArg() > 0 {
		src = fs.Arg(0)
	}
	sub, err := readSubscription(src)
	if err != nil {
		out.Fail(err.Error(), ErrCodeInvalidOperation)
	}

	env := loadEnv(out)
	defer logging.Shutdown()
	store := notify.NewSubscriptionStore(subscriptionsPath(env))
	if err := store.Upsert(sub); err != nil {
		out.Fail(err.Error(), ErrCodeInvalidOperation)
	}
	out.Success("Subscription saved", map[string]any{
		"success":  true,
		"endpoint": sub.Endpoint,
	})
}

// readSubscription decodes a subscription from a file, or stdin for "-".
func readSubscription(src string) (notify.PushSubscription, error) {
	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return notify.PushSubscription{}, err
		}
		defer f.Close()
		r = f
	}
	var sub notify.PushSubscription
	if err := json.NewDecoder(r).Decode(&sub); err != nil {
		return notify.PushSubscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return notify.PushSubscription{}, err
	}
	return sub, nil
}

func handlePushList(args []string) {
	fs := flag.NewFlagSet("push list", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	subs, err := notify.NewSubscriptionStore(subscriptionsPath(env)).List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	if *jsonOutput {
		out.printJSON(subs)
		return
	}
	if len(subs) == 0 {
		fmt.Println("No push subscriptions.")
		return
	}
	var b strings.Builder
	for _, s := range subs {
		fmt.Fprintf(&b, "%s %s\n", bulletSymbol, s.Endpoint)
	}
	fmt.Print(b.String())
}

func handlePushRemove(args []string) {
	fs := flag.NewFlagSet("push remove", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Println("Usage: ccremote push remove <endpoint>")
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	endpoint := fs.Arg(0)
	if err := notify.NewSubscriptionStore(subscriptionsPath(env)).RemoveByEndpoint(endpoint); err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	out.Success("Subscription removed", map[string]any{
		"success":  true,
		"endpoint": endpoint,
	})
}
