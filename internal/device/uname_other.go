//go:build !unix

package device

func uname() (release, machine string) {
	return "", ""
}
