package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lms/internal/catalog"
)

func newCatalogCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the book catalog",
	}
	cmd.AddCommand(newCatalogAddCmd(c))
	return cmd
}

func newCatalogAddCmd(c *cli) *cobra.Command {
	var book catalog.NewBook
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			added, err := app.Catalog.AddBook(cmd.Context(), book)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s %q (%s)\n", added.ISBN, added.Title, added.ID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&book.ISBN, "isbn", "", "ISBN, hyphens allowed")
	flags.StringVar(&book.Title, "title", "", "title")
	flags.StringVar(&book.Author, "author", "", "author")
	flags.StringVar(&book.Publisher, "publisher", "", "publisher")
	flags.IntVar(&book.PublishedYear, "year", 0, "publication year")
	_ = cmd.MarkFlagRequired("isbn")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}
