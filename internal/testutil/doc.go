// Package testutil contains helper builders and scripted fakes used across
// tests to reduce boilerplate when constructing core model objects
// (relationships, memory contexts, turn inputs, sessions) and collaborators.
// They are not intended for production usage.
package testutil
