package javaconf

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
)

// Rule replaces every match of Pattern with Replacement. Replacement follows
// regexp.Expand syntax, so ${1} refers to the first capture group.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// ServerSettings are the values written into the server module.
type ServerSettings struct {
	// BindHost is the address the server listens on (its private IP).
	BindHost string
	Port     int32
	DBHost   string
	DBPort   int32
	DBName   string
	DBUser   string
	DBPass   string
}

// ClientSettings are the values written into the client module.
type ClientSettings struct {
	ServerHost string
	ServerPort int32
}

// Paths of the rewritten files, relative to their Maven module.
const (
	ServerConfigPath     = "src/main/java/com/example/config/DatabaseConfig.java"
	ServerPropertiesPath = "src/main/java/com/example/config/database.properties"
	ClientSourcePath     = "src/main/java/com/example/DatabaseClient.java"
)

// JDBCURL builds a PostgreSQL JDBC connection URL.
func JDBCURL(host string, port int32, db string) string {
	return fmt.Sprintf("jdbc:postgresql://%s:%d/%s", host, port, db)
}

// javaLiteral matches a double-quoted Java string literal, escapes included.
const javaLiteral = `"(?:[^"\\\n]|\\.)*"`

// javaString matches a 'static final String NAME = "...";' declaration with
// any access modifier.
func javaString(name, value string) Rule {
	return Rule{
		Name:        name,
		Pattern:     regexp.MustCompile(`((?:(?:public|private|protected)\s+)?static\s+final\s+String\s+` + regexp.QuoteMeta(name) + `\s*=\s*)` + javaLiteral + `(\s*;)`),
		Replacement: "${1}" + quoteJava(value) + "${2}",
	}
}

// javaInt matches a 'static final int NAME = ...;' declaration.
func javaInt(name string, value int32) Rule {
	return Rule{
		Name:        name,
		Pattern:     regexp.MustCompile(`((?:(?:public|private|protected)\s+)?static\s+final\s+int\s+` + regexp.QuoteMeta(name) + `\s*=\s*)[^;\n]*(;)`),
		Replacement: "${1}" + strconv.Itoa(int(value)) + "${2}",
	}
}

// setProperty matches 'setProperty("key", "...")' fallback calls.
func setProperty(key, value string) Rule {
	return Rule{
		Name:        "setProperty(" + key + ")",
		Pattern:     regexp.MustCompile(`(setProperty\(\s*"` + regexp.QuoteMeta(key) + `"\s*,\s*)` + javaLiteral + `(\s*\))`),
		Replacement: "${1}" + quoteJava(value) + "${2}",
	}
}

// property matches a 'key=value' line in a .properties file.
func property(key, value string) Rule {
	return Rule{
		Name:        key,
		Pattern:     regexp.MustCompile(`(?m)^(\s*` + regexp.QuoteMeta(key) + `\s*=).*$`),
		Replacement: "${1}" + escapeExpand(value),
	}
}

// ServerRules rewrite the server's DatabaseConfig.java. Both the constant
// style and the properties-fallback style are covered.
func ServerRules(s ServerSettings) []Rule {
	url := JDBCURL(s.DBHost, s.DBPort, s.DBName)
	return []Rule{
		javaString("SERVER_IP", s.BindHost),
		javaInt("SERVER_PORT", s.Port),
		javaString("DATABASE_URL", url),
		javaString("DB_USERNAME", s.DBUser),
		javaString("DB_PASSWORD", s.DBPass),
		setProperty("server.host", s.BindHost),
		setProperty("server.port", strconv.Itoa(int(s.Port))),
		setProperty("database.url", url),
		setProperty("database.user", s.DBUser),
		setProperty("database.password", s.DBPass),
	}
}

// PropertiesRules rewrite the server's database.properties.
func PropertiesRules(s ServerSettings) []Rule {
	url := JDBCURL(s.DBHost, s.DBPort, s.DBName)
	return []Rule{
		property("url", url),
		property("username", s.DBUser),
		property("password", s.DBPass),
		property("server.host", s.BindHost),
		property("server.port", strconv.Itoa(int(s.Port))),
		property("database.url", url),
		property("database.user", s.DBUser),
		property("database.password", s.DBPass),
	}
}

// DefaultProperties renders a database.properties document for servers that
// do not ship one.
func DefaultProperties(s ServerSettings) string {
	return fmt.Sprintf("server.host=%s\nserver.port=%d\ndatabase.url=%s\ndatabase.user=%s\ndatabase.password=%s\n",
		s.BindHost, s.Port, JDBCURL(s.DBHost, s.DBPort, s.DBName), s.DBUser, s.DBPass)
}

// ClientRules rewrite the client's DatabaseClient.java.
func ClientRules(c ClientSettings) []Rule {
	return []Rule{
		javaString("SERVER_HOST", c.ServerHost),
		javaInt("SERVER_PORT", c.ServerPort),
	}
}

// ServerFiles maps each server file, relative to the module root, to the
// rules applied to it.
func ServerFiles(module string, s ServerSettings) map[string][]Rule {
	return map[string][]Rule{
		path.Join(module, ServerConfigPath):     ServerRules(s),
		path.Join(module, ServerPropertiesPath): PropertiesRules(s),
	}
}

// ClientFiles maps each client file, relative to the module root, to the
// rules applied to it.
func ClientFiles(module string, c ClientSettings) map[string][]Rule {
	return map[string][]Rule{
		path.Join(module, ClientSourcePath): ClientRules(c),
	}
}
