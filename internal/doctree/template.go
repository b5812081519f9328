package doctree

import "fmt"

// StarterContent returns the initial markdown body for a new page. The
// very first page in a project gets a worked example showing the editor's
// capabilities; every later page starts near-empty.
func StarterContent(title string, firstInProject bool) string {
	if !firstInProject {
		return fmt.Sprintf("# %s\n\nStart writing here.\n", title)
	}
	return fmt.Sprintf(`# %s

## Overview

{Describe the purpose and scope of this page.}

## Process

`+"```mermaid"+`
flowchart TD
    A[Identify requirement] --> B[Collect evidence]
    B --> C{Sufficient?}
    C -- yes --> D[Mark satisfied]
    C -- no --> B
`+"```"+`

## Responsibilities

| Role | Responsibility |
| ---- | -------------- |
| Owner | Maintains this page and its evidence |
| Reviewer | Approves changes before publication |

## Steps

1. Review the current state of this area.
2. Record supporting evidence on this page.
3. Open evidence requests for anything missing.
`, title)
}
