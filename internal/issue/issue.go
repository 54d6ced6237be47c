// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"slices"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

type Id int

const (
	PipelineNotFoundId Id = iota + 1
	PipelineParseErrorId
	MatrixInvalidId
	ContainerEngineNotFoundId
	HostNotSupportedId
	ProvisioningFailedId
	CredentialsMissingId
	TestFailuresId
	CellTimeoutId
	PublishFailedId
	PublishAuthFailedId
	PermissionDeniedId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
	extLinks []HttpLink // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extraMd += "\n\n## See also:\n"
		for _, link := range i.docLinks {
			extraMd += "- [" + string(link) + "](" + string(link) + ")\n"
		}
		for _, link := range i.extLinks {
			extraMd += "- [" + string(link) + "](" + string(link) + ")\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	pipelineNotFoundIssue = &Issue{
		id: PipelineNotFoundId,
		mdMsg: `
# No pipeline found!

matrixci looks for ` + "`matrixci.cue`" + ` in the current directory unless ` + "`--config`" + ` is given.

## Things you can try:
- Write a starter pipeline:
~~~
$ matrixci config init
~~~

- Convert an existing workflow:
~~~
$ matrixci import .github/workflows/testing.yml > matrixci.cue
~~~`,
	}

	pipelineParseErrorIssue = &Issue{
		id: PipelineParseErrorId,
		mdMsg: `
# Failed to parse the pipeline!

The pipeline file is not valid CUE or does not match the #Pipeline schema.

## Common issues:
- Unknown field names (every section is closed)
- Durations that are not Go duration strings, e.g. ` + "`\"90s\"`" + `
- ` + "`max_parallel`" + ` or ` + "`attempts`" + ` below 1

## Things you can try:
- Print the schema:
~~~
$ matrixci config schema
~~~`,
	}

	matrixInvalidIssue = &Issue{
		id: MatrixInvalidId,
		mdMsg: `
# The build matrix is invalid!

No cell was started.

## Common causes:
- No axes declared, or an axis with no values
- Duplicate axis names or duplicate values within an axis
- An include/exclude entry naming an undeclared axis or value

## Things you can try:
~~~
$ matrixci matrix
~~~`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

Container environments need Docker or Podman on the PATH.

## Things you can try:
- Install Docker or Podman
- Select the other engine:
~~~cue
environment: engine: "podman"
~~~

- Use native environments instead:
~~~cue
environment: kind: "native"
~~~`,
	}

	hostNotSupportedIssue = &Issue{
		id: HostNotSupportedId,
		mdMsg: `
# Operating system not available!

Native environments only run cells whose ` + "`os`" + ` matches the host, and container
environments only run Linux cells.

## Things you can try:
- Exclude the other operating systems on this runner
- Run the pipeline on a host of the requested operating system`,
	}

	provisioningFailedIssue = &Issue{
		id: ProvisioningFailedId,
		mdMsg: `
# Environment provisioning failed!

At least one cell never reached its test suite. Other cells were not affected.

## Things you can try:
- Re-run with ` + "`--verbose`" + ` to see setup output
- Raise ` + "`retry.provision_attempts`" + ` for flaky package mirrors
- Check that the runtime version exists for the image template`,
	}

	credentialsMissingIssue = &Issue{
		id: CredentialsMissingId,
		mdMsg: `
# Credentials not available!

Storage credentials are scoped to fixture downloads and the report token to the upload.

## Things you can try:
- For ` + "`source: \"env\"`" + ` export AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY
- For ` + "`source: \"aws\"`" + ` check the shared config profile
- Export the variable named by ` + "`credentials.report.token_env`",
	}

	testFailuresIssue = &Issue{
		id: TestFailuresId,
		mdMsg: `
# Tests failed!

At least one cell's suite exited non-zero. Coverage from failed cells is still merged.

## Things you can try:
- Inspect the failed cell's output above
- Re-run a single cell by narrowing the matrix with ` + "`include`" + `/` + "`exclude`",
	}

	cellTimeoutIssue = &Issue{
		id: CellTimeoutId,
		mdMsg: `
# A cell timed out!

Timeouts count as infrastructure failures, not test failures.

## Things you can try:
~~~cue
suite: timeout: "2h"
~~~`,
	}

	publishFailedIssue = &Issue{
		id: PublishFailedId,
		mdMsg: `
# Coverage upload failed!

Test results are unaffected; the local report directory was still written.

## Things you can try:
- Check the endpoint in ` + "`publish.endpoint`" + `
- Allow more attempts:
~~~cue
publish: {attempts: 3, backoff: "5s"}
~~~`,
	}

	publishAuthFailedIssue = &Issue{
		id: PublishAuthFailedId,
		mdMsg: `
# Coverage service rejected the token!

Authentication failures are never retried.

## Things you can try:
- Verify the repository token in the variable named by ` + "`credentials.report.token_env`" + `
- Rotate the token in the coverage service settings`,
		extLinks: []HttpLink{"https://docs.coveralls.io/api-introduction"},
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

## Common causes:
- The work root or report directory is not writable
- The container engine requires elevated permissions

## Things you can try:
- Set ` + "`environment.work_root`" + ` to a directory you own
- For containers, ensure you're in the docker group:
~~~
$ sudo usermod -aG docker $USER
~~~`,
	}

	issues = map[Id]*Issue{
		pipelineNotFoundIssue.Id():        pipelineNotFoundIssue,
		pipelineParseErrorIssue.Id():      pipelineParseErrorIssue,
		matrixInvalidIssue.Id():           matrixInvalidIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		hostNotSupportedIssue.Id():        hostNotSupportedIssue,
		provisioningFailedIssue.Id():      provisioningFailedIssue,
		credentialsMissingIssue.Id():      credentialsMissingIssue,
		testFailuresIssue.Id():            testFailuresIssue,
		cellTimeoutIssue.Id():             cellTimeoutIssue,
		publishFailedIssue.Id():           publishFailedIssue,
		publishAuthFailedIssue.Id():       publishAuthFailedIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
	}
)

// Values returns every catalogued issue ordered by Id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
}

func Get(id Id) *Issue {
	return issues[id]
}
