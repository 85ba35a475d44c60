package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/client"
)

func newCompaniesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "companies",
		Aliases: []string{"company"},
		Short:   "Register and list client companies",
	}

	var req client.CompanyRequest
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a client company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			company, err := c.CreateCompany(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s) as %s\n", company.Name, company.TaxID, company.ID)
			return nil
		},
	}
	add.Flags().StringVar(&req.Name, "name", "", "Company name")
	add.Flags().StringVar(&req.TaxID, "tax-id", "", "Tax id, digits only")
	add.Flags().StringVar(&req.CertificateRef, "certificate", "", "Reference of the company's digital certificate")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("tax-id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered companies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			companies, err := c.ListCompanies(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tTAX ID\tCERTIFICATE")
			for _, co := range companies {
				cert := co.CertificateRef
				if cert == "" {
					cert = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", co.ID, co.Name, co.TaxID, cert)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
