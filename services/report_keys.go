package services

import (
	"fmt"
	"time"

	"github.com/gosimple/slug"

	"stake-settlement/models"
)

// reportKey builds an archive object key such as
// "payouts/30-day-run-<id>/20260116T101500Z.json".
func reportKey(kind string, c *models.Challenge, at time.Time) string {
	name := c.Slug
	if name == "" {
		name = slug.Make(c.Title)
	}
	return fmt.Sprintf("%s/%s-%s/%s.json", kind, name, c.ID, at.UTC().Format("20060102T150405Z"))
}
