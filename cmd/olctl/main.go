// Copyright 2026 The OpsLedger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// olctl is a small operator CLI over the client core: sign in, inspect the
// session, list accessible companies, and switch the active context.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	opsledger "github.com/opsledger/opsledger-go"
	"github.com/opsledger/opsledger-go/company"
	"github.com/opsledger/opsledger-go/session"
)

func main() {
	cfg, err := opsledger.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	client, err := opsledger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	client.InitLogging()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "login":
		err = runLogin(ctx, client, os.Args[2:])
	case "logout":
		err = client.Logout(ctx)
	case "whoami":
		err = runWhoami(ctx, client)
	case "companies":
		err = runCompanies(ctx, client)
	case "switch":
		err = runSwitch(ctx, client, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: olctl <command>

commands:
  login <identifier>   sign in (secret read from OPSLEDGER_SECRET or stdin)
  logout               sign out and clear local state
  whoami               show the current identity and active company
  companies            list accessible companies
  switch <company-id>  switch the active company`)
}

func runLogin(ctx context.Context, client *opsledger.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("login: identifier required")
	}
	secret := os.Getenv("OPSLEDGER_SECRET")
	if secret == "" {
		fmt.Fprint(os.Stderr, "secret: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimSpace(line)
	}

	id, err := client.Login(ctx, args[0], secret)
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return errors.New("login failed: wrong identifier or secret")
	case errors.Is(err, session.ErrAccountLocked):
		return errors.New("login failed: account is locked")
	case errors.Is(err, company.ErrNoAccessibleCompany):
		fmt.Printf("signed in as %s (%s), no accessible company\n", id.Name, id.Email)
		return nil
	case err != nil:
		return err
	}

	active, _ := client.Companies.Active()
	fmt.Printf("signed in as %s (%s), active company %s\n", id.Name, id.Email, active)
	return nil
}

func runWhoami(ctx context.Context, client *opsledger.Client) error {
	claims, ok := client.Credentials.Claims()
	if !ok {
		return errors.New("not signed in")
	}
	// Restore the company context in this process; no-access is a state,
	// not a failure, for whoami.
	if err := client.Companies.Initialize(ctx); err != nil && !errors.Is(err, company.ErrNoAccessibleCompany) {
		return err
	}
	fmt.Printf("identity:  %s <%s>\n", claims.Name, claims.Email)
	fmt.Printf("tenant:    %s\n", claims.TenantID)
	if claims.TenantRole != "" {
		fmt.Printf("tier-1:    %s\n", claims.TenantRole)
	}
	if active, ok := client.Companies.Active(); ok {
		fmt.Printf("company:   %s\n", active)
		fmt.Printf("role:      %s\n", client.Checker().Role())
	} else {
		fmt.Println("company:   (none)")
	}
	fmt.Printf("state:     %s\n", client.Session.State())
	return nil
}

func runCompanies(ctx context.Context, client *opsledger.Client) error {
	list, err := client.Directory.ListAccessibleCompanies(ctx)
	if err != nil {
		return err
	}
	active, _ := client.Companies.Active()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tROLE\tACTIVE\t")
	for _, c := range list {
		marker := ""
		if c.ID == active {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%t\t\n", c.ID, marker, c.Name, c.EntityType, c.Role, c.Active)
	}
	return w.Flush()
}

func runSwitch(ctx context.Context, client *opsledger.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("switch: company id required")
	}
	if err := client.Companies.Initialize(ctx); err != nil {
		return err
	}
	if err := client.Companies.Switch(ctx, args[0]); err != nil {
		if errors.Is(err, company.ErrUnknownOrInactiveCompany) {
			return fmt.Errorf("company %q is not in your accessible set or is inactive", args[0])
		}
		return err
	}
	fmt.Printf("active company is now %s\n", args[0])
	return nil
}
