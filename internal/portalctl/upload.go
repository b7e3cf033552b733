package portalctl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/cryptox"
	"github.com/dmitrijs2005/opsportal/internal/netx"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// httpClient is shared by the API and storage calls; replaced in tests.
var httpClient = http.DefaultClient

type uploadOptions struct {
	apiURL     string
	userID     string
	role       string
	refType    string
	refID      string
	revision   int64
	uploadedBy string
}

// newUploadCommand pushes local files through the same signed-URL flow the
// portal front-end uses, then records them as one batch.
func newUploadCommand(opts *options) *cobra.Command {
	u := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to a parent and record them as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if u.userID == "" || u.refType == "" || u.refID == "" {
				return fmt.Errorf("--user, --ref-type and --ref-id are required")
			}

			prefix, err := services.ParentPrefix(u.refType, u.refID)
			if err != nil {
				return err
			}

			cfg := opts.loadConfig()
			if u.apiURL == "" {
				u.apiURL = cfg.PublicBaseURL
			}
			key, err := cryptox.DeriveKey([]byte(cfg.SecretKey), cryptox.PurposeAccessToken)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(u.userID, u.role, key, cfg.AccessTokenValidityDuration)
			if err != nil {
				return err
			}
			api := newAPIClient(u.apiURL, token, httpClient)

			batch := services.Batch{
				RefType:    u.refType,
				RefID:      u.refID,
				UploadedBy: u.uploadedBy,
				BatchID:    uuid.NewString(),
				S3Prefix:   prefix,
			}
			if u.revision > 0 {
				batch.Revision = &u.revision
			}

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				name := filepath.Base(path)
				contentType := mime.TypeByExtension(filepath.Ext(name))

				signed, err := api.signPut(ctx, u.refType, u.refID, name, contentType)
				if err != nil {
					return err
				}
				if err := netx.PutPresigned(ctx, httpClient, signed.URL, contentType, data); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}

				sum := sha256.Sum256(data)
				batch.Files = append(batch.Files, models.FileDescriptor{
					Key:         signed.Key,
					Filename:    name,
					Size:        int64(len(data)),
					ContentType: contentType,
					Checksum:    hex.EncodeToString(sum[:]),
				})
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s -> %s\n", name, signed.Key)
			}

			res, err := api.recordBatch(ctx, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s recorded, %s = %s\n", batch.BatchID, res.Field, res.Link)
			return nil
		},
	}

	cmd.Flags().StringVar(&u.apiURL, "api", "", "portal API base URL (defaults to the public base URL)")
	cmd.Flags().StringVar(&u.userID, "user", "", "portal user id to act as")
	cmd.Flags().StringVar(&u.role, "role", common.RoleClient, "client or admin")
	cmd.Flags().StringVar(&u.refType, "ref-type", "", "order or quote")
	cmd.Flags().StringVar(&u.refID, "ref-id", "", "parent id")
	cmd.Flags().StringVar(&u.uploadedBy, "uploaded-by", "", "client or admin (defaults to the role)")
	cmd.Flags().Int64Var(&u.revision, "revision", 0, "admin revision previously issued by next-revision")
	return cmd
}
