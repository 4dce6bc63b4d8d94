package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"userdir.org/internal/passwd"
	"userdir.org/internal/user"
)

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and modify users",
	}
	cmd.PersistentFlags().Int("context", 0, "context (tenant) id")
	_ = cmd.MarkPersistentFlagRequired("context")

	get := &cobra.Command{
		Use:   "get <user-id|login>",
		Short: "Print a user record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cid, _ := cmd.Flags().GetInt("context")
			rt, err := a.wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			uid, err := strconv.Atoi(args[0])
			if err != nil {
				ctx, uid, err = rt.store.ResolveLogin(ctx, cid, args[0])
				if err != nil {
					return err
				}
			}
			u, err := rt.store.User(ctx, cid, uid)
			if err != nil {
				return err
			}
			redact(u)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(u)
		},
	}

	attr := &cobra.Command{
		Use:   "attr",
		Short: "Manage user attributes",
	}
	set := &cobra.Command{
		Use:   "set <user-id> <name> <value>",
		Short: "Set one attribute",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cid, _ := cmd.Flags().GetInt("context")
			uid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			rt, err := a.wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if public, _ := cmd.Flags().GetBool("public"); public {
				return user.SetPublicAttribute(ctx, rt.store, cid, uid, args[1], args[2])
			}
			return rt.store.SetAttribute(ctx, cid, uid, args[1], args[2])
		},
	}
	set.Flags().Bool("public", false, "store as client visible attribute")
	attr.AddCommand(set)

	passwdCmd := &cobra.Command{
		Use:   "passwd <user-id> <password>",
		Short: "Encode and store a new password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cid, _ := cmd.Flags().GetInt("context")
			uid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			mech, _ := cmd.Flags().GetString("mech")
			rt, err := a.wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return passwd.NewRegistry().Set(ctx, rt.store, cid, uid, mech, args[1])
		},
	}
	passwdCmd.Flags().String("mech", passwd.BCrypt, "password mechanism")

	cmd.AddCommand(get, attr, passwdCmd)
	return cmd
}

// redact blanks credentials before a record is printed.
func redact(u *user.User) {
	u.Password = ""
	u.Salt = nil
	u.Filestore.Password = ""
}
