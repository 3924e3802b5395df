package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alem-hub/persistent-grades/internal/application/query"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/content"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/external/ecommerce"
)

// ─────────────────────────────────────────────────────────────────────────────
// course
// ─────────────────────────────────────────────────────────────────────────────

func newCourseCmd(_ *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "course",
		Short: "Work with course outlines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <outline.yaml>...",
		Short: "Parse outlines and build their block structures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if err := validateOutline(out, path); err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d outline(s) invalid", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}

func validateOutline(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	outline, err := content.ParseOutline(data)
	if err != nil {
		return err
	}
	structure, err := outline.Structure(content.HashVersion(data))
	if err != nil {
		return err
	}

	subsections := structure.Subsections()
	graded := 0
	for _, s := range subsections {
		if s.Graded {
			graded++
		}
	}
	fmt.Fprintf(out, "%s: ok course=%s version=%s blocks=%d subsections=%d graded=%d\n",
		path, structure.CourseKey(), structure.Version(), structure.Len(), len(subsections), graded)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// sock
// ─────────────────────────────────────────────────────────────────────────────

func newSockCmd(a *app) *cobra.Command {
	var (
		userID     int64
		courseID   string
		masquerade string
		group      int
	)

	cmd := &cobra.Command{
		Use:   "sock",
		Short: "Evaluate the verified upgrade sock for a learner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := query.GetVerificationContextQuery{UserID: userID, CourseID: courseID}
			if masquerade != "" || cmd.Flags().Changed("masquerade-group") {
				m := &enrollment.Masquerade{Role: masquerade}
				if cmd.Flags().Changed("masquerade-group") {
					if _, ok := enrollment.ModeForGroup(group); !ok {
						return fmt.Errorf("unknown enrollment track group %d", group)
					}
					m.Role = "student"
					m.GroupID = &group
				}
				q.Masquerade = m
			}

			var discounts query.Discounts
			if a.cfg.Commerce.DiscountAPIURL != "" {
				ecCfg := ecommerce.DefaultClientConfig(a.cfg.Commerce.DiscountAPIURL)
				ecCfg.APIKey = a.cfg.Commerce.APIKey
				ecCfg.Logger = a.log
				discounts = ecommerce.NewClient(ecCfg)
			}

			return a.withStores(cmd.Context(), func(s *stores) error {
				h := query.NewGetVerificationContextHandler(
					s.enrollments,
					a.cfg.Features,
					discounts,
					query.CommerceConfig{
						EcommerceURL:        a.cfg.Commerce.EcommerceURL,
						CheckoutOnEcommerce: a.cfg.Commerce.CheckoutOnEcommerce,
					},
					a.log,
				)
				dto, err := h.Handle(cmd.Context(), q)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dto)
			})
		},
	}

	f := cmd.Flags()
	f.Int64Var(&userID, "user", 0, "learner id")
	f.StringVar(&courseID, "course", "", "course run id")
	f.StringVar(&masquerade, "masquerade", "", "staff masquerade role: staff or student")
	f.IntVar(&group, "masquerade-group", 0, "enrollment track group to view as")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}
