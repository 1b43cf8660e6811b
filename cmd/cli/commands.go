package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func collectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage collections",
	}

	var codeFile, astFile string
	create := &cobra.Command{
		Use:   "create <collection-id>",
		Short: "Create a collection from its source and stable AST",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(codeFile)
			if err != nil {
				return err
			}
			ast, err := os.ReadFile(astFile)
			if err != nil {
				return err
			}
			raw, err := request(http.MethodPost, "/v0/collections/"+url.PathEscape(args[0]), map[string]interface{}{
				"code": string(code),
				"ast":  json.RawMessage(ast),
			})
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	create.Flags().StringVar(&codeFile, "code", "", "path to the collection source")
	create.Flags().StringVar(&astFile, "ast", "", "path to the stable AST JSON")
	_ = create.MarkFlagRequired("code")
	_ = create.MarkFlagRequired("ast")

	get := &cobra.Command{
		Use:   "get <collection-id>",
		Short: "Fetch a collection definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := request(http.MethodGet,
				"/v0/collections/Collection/records/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read records",
	}

	get := &cobra.Command{
		Use:   "get <collection-id> <record-id>",
		Short: "Fetch one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := request(http.MethodGet,
				"/v0/collections/"+url.PathEscape(args[0])+"/records/"+url.PathEscape(args[1]), nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	var query string
	list := &cobra.Command{
		Use:   "list <collection-id>",
		Short: "List records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v0/collections/" + url.PathEscape(args[0]) + "/records"
			if query != "" {
				path += "?q=" + url.QueryEscape(query)
			}
			raw, err := request(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	list.Flags().StringVar(&query, "query", "", `list query JSON, e.g. {"where":{"name":"Tim"},"limit":10}`)

	cmd.AddCommand(get, list)
	return cmd
}

func callCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <collection-id> <method> [record-id]",
		Short: "Invoke a collection method",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, cargs []string) error {
			var callArgs []interface{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &callArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			collection := url.PathEscape(cargs[0])
			method := cargs[1]
			payload := map[string]interface{}{"args": callArgs}

			var path string
			if method == "constructor" {
				path = "/v0/collections/" + collection + "/records"
			} else {
				if len(cargs) < 3 {
					return fmt.Errorf("record id required for %s", method)
				}
				path = "/v0/collections/" + collection + "/records/" +
					url.PathEscape(cargs[2]) + "/call/" + url.PathEscape(method)
			}
			raw, err := request(http.MethodPost, path, payload)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "method arguments as a JSON array")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show peer status",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := request(http.MethodGet, "/v0/status", nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}
