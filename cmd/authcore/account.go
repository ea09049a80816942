package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/dispatch"
	"github.com/basket/authcore/internal/transport/httpauth"
)

// paramFlag collects repeated -p key=value flags.
type paramFlag map[string]string

func (p paramFlag) String() string { return fmt.Sprint(map[string]string(p)) }

func (p paramFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("want key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func runRegisterCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	user := fs.String("user", "", "user id to register (generated when empty)")
	params := paramFlag{}
	fs.Var(params, "p", "backend parameter key=value (repeatable)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: authcore register [-user ID] [-p key=value ...]")
		return 2
	}

	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()
	if err := a.requireBackend(); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}

	id, err := a.refresher.Register(ctx, *user, params)
	if err != nil {
		return reportCommandError("register", err)
	}
	fmt.Println(id)
	return 0
}

func runSignInCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("signin", flag.ContinueOnError)
	user := fs.String("user", "", "user id (defaults to the registered user)")
	params := paramFlag{}
	fs.Var(params, "p", "backend parameter key=value (repeatable)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: authcore signin [-user ID] [-p key=value ...]")
		return 2
	}

	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()
	if err := a.requireBackend(); err != nil {
		fmt.Fprintf(os.Stderr, "signin: %v\n", err)
		return 1
	}

	if err := a.refresher.SignIn(ctx, *user, params); err != nil {
		return reportCommandError("signin", err)
	}
	fmt.Printf("signed in as %s until %s\n", a.state.UserID(), a.state.RefreshTokenExpiry().Format("2006-01-02"))
	return 0
}

func runSignOutCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: authcore signout")
		return 2
	}
	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()
	if err := a.state.ClearAuthTokens(ctx); err != nil {
		return reportCommandError("signout", err)
	}
	return 0
}

func runResetCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: authcore reset")
		return 2
	}
	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()
	if err := a.state.Reset(ctx); err != nil {
		return reportCommandError("reset", err)
	}
	return 0
}

// runCallCommand posts a JSON body to a backend path through the dispatcher,
// so it is routed, refreshed and bounded like any client call.
func runCallCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	mutate := fs.Bool("mutate", false, "run on the serial queue as a mutation")
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "usage: authcore call [-mutate] PATH [JSON]")
		return 2
	}
	path := fs.Arg(0)
	body := json.RawMessage("{}")
	if fs.NArg() == 2 {
		body = json.RawMessage(fs.Arg(1))
		if !json.Valid(body) {
			fmt.Fprintln(os.Stderr, "call: body is not valid JSON")
			return 2
		}
	}

	a, code := loadCommandApp(ctx)
	if a == nil {
		return code
	}
	defer a.close()
	if err := a.requireBackend(); err != nil {
		fmt.Fprintf(os.Stderr, "call: %v\n", err)
		return 1
	}

	kind := dispatch.KindRead
	if *mutate {
		kind = dispatch.KindMutate
	}
	resp, err := dispatch.Do(ctx, a.dispatcher, kind, "call "+path, body,
		func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
			return httpauth.Call[json.RawMessage, json.RawMessage](ctx, a.backend, path, a.accessToken(), req)
		})
	if err != nil {
		return reportCommandError("call", err)
	}
	if len(resp) == 0 {
		resp = json.RawMessage("null")
	}
	fmt.Println(string(resp))
	return 0
}

func reportCommandError(cmd string, err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v (class=%s)\n", cmd, err, apperr.Classify(err))
	if errors.Is(err, apperr.ErrNotSignedIn) {
		fmt.Fprintln(os.Stderr, "run `authcore signin` first")
	}
	return 1
}
