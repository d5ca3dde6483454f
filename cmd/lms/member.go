package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"lms/internal/membership"
)

func newMemberCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage members",
	}
	cmd.AddCommand(newMemberPromoteCmd(c), newMemberRegisterCmd(c))
	return cmd
}

func newMemberPromoteCmd(c *cli) *cobra.Command {
	var username, role string
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Change a member's role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			member, err := app.Members.GetMemberByUsername(cmd.Context(), username)
			if err != nil {
				return err
			}
			member, err = app.Members.PromoteMember(cmd.Context(), member.ID, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", member.Username, member.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "member username")
	cmd.Flags().StringVar(&role, "role", membership.RoleLibrarian, "MEMBER or LIBRARIAN")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newMemberRegisterCmd(c *cli) *cobra.Command {
	var reg membership.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a member, prompting for the password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			reg.Password = password

			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			member, err := app.Members.RegisterMember(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s), membership expires %s\n",
				member.Username, member.ID, member.MembershipExpiryDate.Format("2006-01-02"))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&reg.Username, "username", "", "login name")
	flags.StringVar(&reg.Name, "name", "", "full name")
	flags.StringVar(&reg.Email, "email", "", "email address")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// readPassword reads without echo from a terminal, or a single line otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	var line string
	if _, err := fmt.Fscanln(in, &line); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
