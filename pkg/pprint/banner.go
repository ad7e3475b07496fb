// Package pprint: fleet banner.
package pprint

import "fmt"

// PrintBanner prints the fleet banner with version and tagline.
func PrintBanner(version, buildDate string) {
	lines := []string{
		StylePrimary.Render("  ┏━╸╻  ┏━╸┏━╸╺┳╸"),
		StyleAccent.Render("  ┣╸ ┃  ┣╸ ┣╸  ┃ "),
		StyleMuted.Render("  ╹  ┗━╸┗━╸┗━╸ ╹ "),
	}

	fmt.Println()
	for _, l := range lines {
		fmt.Println(l)
	}
	fmt.Println()

	tagline := StyleMuted.Render("  Deployments and secrets for declarative host fleets")
	versionStr := StyleAccent.Render("  " + version)
	if buildDate != "" {
		versionStr += StyleMuted.Render("  built " + buildDate)
	}

	fmt.Println(tagline)
	fmt.Println(versionStr)
	fmt.Println()
}
